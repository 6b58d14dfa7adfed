package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullCommandJoinsArguments(t *testing.T) {
	test := New("test01", "echo", []string{"-n", "ciao0"}, "", nil, true)
	assert.Equal(t, "echo -n ciao0", test.FullCommand())
}

func TestFullCommandWithNoArguments(t *testing.T) {
	test := New("test01", "echo", nil, "", nil, true)
	assert.Equal(t, "echo", test.FullCommand())
}

func TestRenameDoesNotAliasOriginal(t *testing.T) {
	original := New("test01", "echo", []string{"ciao"}, "", map[string]string{"k": "v"}, false)
	renamed := original.Rename("test01[0]")

	renamed.Arguments[0] = "mutated"
	renamed.Env["k"] = "mutated"

	assert.Equal(t, "test01[0]", renamed.Name)
	assert.Equal(t, "test01", original.Name)
	assert.Equal(t, "ciao", original.Arguments[0])
	assert.Equal(t, "v", original.Env["k"])
}

func TestSuiteRenameDeepCopiesTests(t *testing.T) {
	s := NewSuite("suite01", []Test{
		New("test01", "true", nil, "", nil, true),
	})
	renamed := s.Rename("suite01[1]")
	renamed.Tests[0].Name = "mutated"

	assert.Equal(t, "suite01[1]", renamed.Name)
	assert.Equal(t, "test01", s.Tests[0].Name)
}
