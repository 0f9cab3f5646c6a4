package service

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSystemdUnit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderUnit(&buf, systemdUnit, "/usr/bin/primarydns"))

	unit := buf.String()
	assert.Contains(t, unit, "ExecStart=/usr/bin/primarydns daemon\n")
	assert.Contains(t, unit, "ExecStopPost=/usr/bin/primarydns dns-reset\n")
	assert.Contains(t, unit, "Description="+description)
}

func TestRenderLaunchdPlist(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderUnit(&buf, launchdPlist, "/usr/local/bin/primarydns"))

	plist := buf.String()
	assert.Contains(t, plist, "<string>"+launchdLabel+"</string>")
	assert.Contains(t, plist, "<string>/usr/local/bin/primarydns</string>")
	assert.Contains(t, plist, "<string>daemon</string>")
}

func TestInstallBinarySkipsSelf(t *testing.T) {
	assert.NoError(t, installBinary("/usr/bin/primarydns", "/usr/bin/primarydns"))
}
