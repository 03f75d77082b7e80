package cmd

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/RainbowTabitha/FloofBot/floofbot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := floofbot.Version
	originalCommitSHA := floofbot.CommitSHA
	originalBuildTime := floofbot.BuildTime

	t.Cleanup(
		func() {
			floofbot.Version = originalVersion
			floofbot.CommitSHA = originalCommitSHA
			floofbot.BuildTime = originalBuildTime
			versionCmd.SetOut(nil)
		},
	)

	floofbot.Version = "1.0.0"
	floofbot.CommitSHA = "abc123"
	floofbot.BuildTime = "2024-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		floofbot.Version,
		floofbot.CommitSHA,
		floofbot.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
