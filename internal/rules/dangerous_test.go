package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bashContext(t *testing.T, command string, env map[string]string) *Context {
	t.Helper()
	params, err := json.Marshal(map[string]string{"command": command})
	require.NoError(t, err)
	return NewContext("Bash", params, "", env)
}

func TestDangerousCommand_Blocks(t *testing.T) {
	env := map[string]string{"HOME": "/home/dev", "DIR": "/"}
	tests := []struct {
		command string
		class   string
	}{
		{"rm -rf /", ClassRecursiveDelete},
		{"rm -rf /*", ClassRecursiveDelete},
		{"rm -fr ~", ClassRecursiveDelete},
		{"rm -rf ~/", ClassRecursiveDelete},
		{"rm -rf $HOME", ClassRecursiveDelete},
		{"rm -rf ${HOME}", ClassRecursiveDelete},
		{"rm -rf /home/dev", ClassRecursiveDelete},
		{"rm -rf $DIR", ClassRecursiveDelete},
		{"rm -rf *", ClassRecursiveDelete},
		{"rm -rf .", ClassRecursiveDelete},
		{"rm -rf ..", ClassRecursiveDelete},
		{"rm -r -f /", ClassRecursiveDelete},
		{"rm --recursive --force /", ClassRecursiveDelete},
		{"RM   -RF    /", ClassRecursiveDelete},
		{"/bin/rm -Rf //", ClassRecursiveDelete},
		{"rm -rf /usr/", ClassRecursiveDelete},
		{"rm --no-preserve-root -rf /tmp", ClassRecursiveDelete},
		{"sudo rm -rf /tmp/build", ClassRecursiveDelete},
		{"sudo -u root rm -r build", ClassRecursiveDelete},
		{"cd /tmp && rm -rf /", ClassRecursiveDelete},
		{"echo $(rm -rf ~)", ClassRecursiveDelete},
		{`bash -c "rm -rf /"`, ClassRecursiveDelete},
		{"env FOO=1 rm -rf /", ClassRecursiveDelete},
		{"chmod -R 000 /srv", ClassPermissions},
		{"chmod -R a-rwx .", ClassPermissions},
		{"chmod -R 777 /", ClassPermissions},
		{"chown -R nobody /", ClassPermissions},
		{"chmod -R a-r .", ClassPermissions},
		{"chmod -R go-rwx /", ClassPermissions},
		{"chmod -R 0 .", ClassPermissions},
		{"chmod -R 200 src", ClassPermissions},
		{"chmod -R u-r,go-r src", ClassPermissions},
		{"chmod -R ugo=x bin", ClassPermissions},
		{"rm -rf /*/", ClassRecursiveDelete},
		{"rm -rf /*/*", ClassRecursiveDelete},
		{"rm -rf ~/*/", ClassRecursiveDelete},
		{"rm -rf /home/dev/*/*", ClassRecursiveDelete},
		{"rm -rf ./*/", ClassRecursiveDelete},
		{"pkill -f .", ClassProcessKill},
		{"pkill -9 -u dev", ClassProcessKill},
		{"pkill --full '.*'", ClassProcessKill},
		{"pkill -KILL -- .", ClassProcessKill},
		{"killall -r .", ClassProcessKill},
		{"killall -9 -u dev", ClassProcessKill},
		{"kill -9 -1", ClassProcessKill},
		{"kill -KILL -1", ClassProcessKill},
		{"killall5 -9", ClassProcessKill},
		{"mkfs.ext4 /dev/sda1", ClassDiskWrite},
		{"dd if=/dev/zero of=/dev/sda bs=1M", ClassDiskWrite},
		{"dd if=/dev/zero of=/dev/nvme0n1", ClassDiskWrite},
		{"cat image > /dev/sdb", ClassDiskWrite},
		{":(){ :|:& };:", ClassForkBomb},
		{"git reset --hard HEAD~3", ClassDestructiveGit},
		{"git push --force origin main", ClassDestructiveGit},
		{"git clean -fdx", ClassDestructiveGit},
		{"cd repo && git checkout .", ClassDestructiveGit},
		{"git branch -D feature", ClassDestructiveGit},
	}
	rule := DangerousCommandRule{}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			v := rule.Evaluate(bashContext(t, tt.command, env))
			require.Equal(t, ActionBlock, v.Action, "reason: %s", v.Reason)
			assert.Equal(t, tt.class, v.Class)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestDangerousCommand_RootReasonMentionsRecursiveDeletion(t *testing.T) {
	v := DangerousCommandRule{}.Evaluate(bashContext(t, "rm -rf /", nil))
	require.True(t, v.Blocked())
	assert.Contains(t, v.Reason, "recursive deletion")
	assert.Contains(t, v.Reason, "root")
	assert.NotEmpty(t, v.Suggestion)
}

func TestDangerousCommand_GitSuggestsAlternative(t *testing.T) {
	v := DangerousCommandRule{}.Evaluate(bashContext(t, "git push -f", nil))
	require.True(t, v.Blocked())
	assert.Contains(t, v.Suggestion, "--force-with-lease")
}

func TestDangerousCommand_Allows(t *testing.T) {
	for _, command := range []string{
		"ls -la",
		"rm file.txt",
		"rm -r build",
		"chmod +x script.sh",
		"chmod -R 755 bin",
		"kill -9 1234",
		"kill -1 1234",
		"chmod -R go-w src",
		"chmod -R 640 docs",
		"chmod -R u+r,go-rwx secrets",
		"rm -rf /tmp/*",
		"rm -rf build/*/cache",
		"pkill -f 'node server.js'",
		"pkill -u dev node",
		"killall node",
		"killall .",
		"dd if=in.img of=out.img",
		"git push --force-with-lease origin feature",
		"git status",
		`echo "rm -rf /"`,
		"grep -r 'rm -rf /' docs",
	} {
		v := DangerousCommandRule{}.Evaluate(bashContext(t, command, nil))
		assert.NotEqual(t, ActionBlock, v.Action, "%q: %s", command, v.Reason)
	}
}

func TestDangerousCommand_WarnsOnForcedRecursiveDelete(t *testing.T) {
	v := DangerousCommandRule{}.Evaluate(bashContext(t, "rm -rf build/", nil))
	assert.Equal(t, ActionWarn, v.Action)
	assert.Equal(t, ClassRecursiveDelete, v.Class)
}

func TestDangerousCommand_IgnoresOtherTools(t *testing.T) {
	ctx := NewContext("Write", json.RawMessage(`{"file_path":"a.txt","content":"rm -rf /"}`), "", nil)
	assert.Equal(t, ActionAllow, DangerousCommandRule{}.Evaluate(ctx).Action)
}
