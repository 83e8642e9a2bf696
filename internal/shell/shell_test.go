package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCommand(a *Analysis, name string) (Command, bool) {
	for _, c := range a.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

func TestAnalyze_SimpleCommand(t *testing.T) {
	a := Analyze("rm -rf /", nil)
	require.Len(t, a.Commands, 1)
	assert.Equal(t, "rm", a.Commands[0].Name)
	assert.Equal(t, []string{"-rf", "/"}, a.Commands[0].Args)
	assert.False(t, a.ParseError)
}

func TestAnalyze_CaseAndWhitespace(t *testing.T) {
	a := Analyze("  /BIN/RM \t -RF    /  ", nil)
	c, ok := findCommand(a, "rm")
	require.True(t, ok)
	assert.Equal(t, []string{"-RF", "/"}, c.Args)
	assert.Equal(t, "/bin/rm -rf /", a.Raw)
}

func TestAnalyze_Wrappers(t *testing.T) {
	a := Analyze("FOO=1 sudo -u root env BAR=2 nice -n 5 rm -rf /tmp/x", nil)
	c, ok := findCommand(a, "rm")
	require.True(t, ok)
	assert.True(t, c.Privileged())
	assert.Equal(t, []string{"sudo", "env", "nice"}, c.Wrappers)
	assert.Equal(t, []string{"-rf", "/tmp/x"}, c.Args)

	a = Analyze("timeout 10 git push --force", nil)
	c, ok = findCommand(a, "git")
	require.True(t, ok)
	assert.Equal(t, []string{"push", "--force"}, c.Args)
}

func TestAnalyze_CompoundAndNested(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"and-list", "cd /tmp && rm -rf /"},
		{"pipeline", "yes | rm -rf /"},
		{"substitution", "echo $(rm -rf /)"},
		{"backticks", "echo `rm -rf /`"},
		{"sh -c", `bash -c "rm -rf /"`},
		{"eval", `eval 'rm -rf /'`},
		{"subshell", "(cd x; rm -rf /)"},
		{"newline", "ls\nrm -rf /"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Analyze(tt.command, nil)
			c, ok := findCommand(a, "rm")
			require.True(t, ok, "rm not found in %+v", a.Commands)
			assert.Contains(t, c.Args, "/")
		})
	}
}

func TestAnalyze_Expansion(t *testing.T) {
	env := map[string]string{"HOME": "/home/dev", "TARGET": "/"}

	a := Analyze("rm -rf $HOME", env)
	c, ok := findCommand(a, "rm")
	require.True(t, ok)
	assert.Contains(t, c.Args, "/home/dev")

	a = Analyze(`rm -rf "${TARGET}"`, env)
	c, ok = findCommand(a, "rm")
	require.True(t, ok)
	assert.Contains(t, c.Args, "/")

	a = Analyze("rm -rf $UNSET_DIR", env)
	c, ok = findCommand(a, "rm")
	require.True(t, ok)
	assert.Contains(t, c.Args, "$UNSET_DIR", "unknown variables stay literal")

	assert.Equal(t, "/home/dev", Home(env))
}

func TestAnalyze_Quoting(t *testing.T) {
	a := Analyze(`cat 'my file.env' "other file" plain\ name`, nil)
	c, ok := findCommand(a, "cat")
	require.True(t, ok)
	assert.Equal(t, []string{"my file.env", "other file", "plain name"}, c.Args)

	a = Analyze(`echo "a && rm -rf /"`, nil)
	_, ok = findCommand(a, "rm")
	assert.False(t, ok, "operators inside quotes do not split")
}

func TestAnalyze_Redirects(t *testing.T) {
	a := Analyze("echo secret > .env 2>&1", nil)
	assert.Contains(t, a.Redirects, ".env")
	assert.NotContains(t, a.Redirects, "1")

	a = Analyze("cat x >>/etc/hosts", nil)
	assert.Contains(t, a.Redirects, "/etc/hosts")
	assert.Contains(t, a.Words(), "/etc/hosts")
}

func TestAnalyze_Unparseable(t *testing.T) {
	a := Analyze(`rm -rf / "unterminated`, nil)
	assert.True(t, a.ParseError)
	_, ok := findCommand(a, "rm")
	assert.True(t, ok, "fallback splitter still sees the command")
}

func TestSplitSegments(t *testing.T) {
	var got []string
	for _, s := range splitSegments("a && b || c | d; e & f 2>&1 'g;h'") {
		if s != "" {
			got = append(got, s)
		}
	}
	assert.Equal(t, []string{"a ", " b ", " c ", " d", " e ", " f 2>&1 'g;h'"}, got)

	assert.Equal(t, []string{"echo ${HOME}"}, splitSegments("echo ${HOME}"))
}

func TestSubstitutions(t *testing.T) {
	subs := substitutions("echo $(whoami) `date` '$(not this)' $(a $(b))")
	assert.Equal(t, []string{"whoami", "date", "a $(b)"}, subs)
}
