package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(args ...string) (string, error) {
	var buf bytes.Buffer
	farmhandCmd.SetOut(&buf)
	farmhandCmd.SetErr(&buf)
	farmhandCmd.SetArgs(args)
	err := farmhandCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCheck(t *testing.T) {
	out, err := runCommand("check", "../cloudconfig/testdata/valid_full.yaml", "-p", "team=ci")
	require.NoError(t, err)

	assert.Contains(t, out, "prod (us-east-2)  cap 10\n")
	assert.Contains(t, out, "  linux             t3.large      unix      normal     [linux docker]\n")
	assert.Contains(t, out, "  windows           m5.xlarge     windows   exclusive  [windows]\n")
	assert.Contains(t, out, "valid_full.yaml is valid")
}

func TestCheckInvalid(t *testing.T) {
	_, err := runCommand("check", "../cloudconfig/testdata/invalid_version.yaml")
	assert.ErrorContains(t, err, "unsupported version")

	_, err = runCommand("check", "../cloudconfig/testdata/valid_full.yaml", "-p", "team")
	assert.EqualError(t, err, "invalid param 'team', expected KEY=VALUE")
}
