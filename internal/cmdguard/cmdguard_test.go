package cmdguard

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsDestructiveCommands(t *testing.T) {
	cases := []struct {
		cmd  string
		rule string
	}{
		{"rm -rf /", "rm-root"},
		{"rm -fr /*", "rm-root"},
		{"sudo rm -Rf /", "rm-root"},
		{"cd /tmp && rm -rf ~", "rm-root"},
		{"rm   -rf    /", "rm-root"},
		{"rm -r -f /", "rm-split-flags-root"},
		{"rm --no-preserve-root -rf /", "rm-no-preserve-root"},
		{":(){ :|:& };:", "fork-bomb"},
		{"mkfs.ext4 /dev/sdb1", "mkfs"},
		{"dd if=/dev/zero of=/dev/sda bs=1M", "dd-block-device"},
		{"cat image.iso > /dev/nvme0n1", "redirect-block-device"},
		{"wipefs -a /dev/sdb", "wipefs"},
		{"fdisk /dev/sda", "partition-table"},
		{"shutdown -h now", "power-state"},
		{"sudo reboot", "power-state"},
		{"echo bye; poweroff", "power-state"},
		{"init 0", "init-runlevel"},
		{"systemctl reboot", "systemctl-power"},
		{"systemctl --force poweroff", "systemctl-power"},
		{"chmod -R 777 /", "chmod-root"},
		{"chown -R nobody:nogroup /", "chown-root"},
		{"echo hi\nreboot", "power-state"},
		{"cd /tmp\nrm -rf /", "rm-root"},
		{"docker ps\r\nshutdown -h now", "power-state"},
		{"echo ok\nmkfs.ext4 /dev/sdb1", "mkfs"},
		{"rm -rf \\\n /", "rm-root"},
	}
	for _, tc := range cases {
		t.Run(tc.cmd, func(t *testing.T) {
			err := Validate(tc.cmd)
			require.Error(t, err)
			var rejected *RejectedError
			require.True(t, errors.As(err, &rejected))
			assert.Equal(t, tc.rule, rejected.Rule)
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestValidateAllowsOrdinaryCommands(t *testing.T) {
	allowed := []string{
		"docker ps -a --format '{{json .}}'",
		"docker rm -f ark-app-1",
		"rm -rf /opt/ark/apps/demo",
		"rm -rf ./build",
		"git -C /opt/ark/apps/demo pull --ff-only",
		"chown -R www-data:www-data /var/www/html",
		"chmod -R 755 /opt/ark/apps/demo",
		"echo '> /dev/null' && ls",
		"docker run -d --restart unless-stopped nginx",
		"git init",
		"systemctl reload nginx",
		"dd if=/dev/zero of=/tmp/swap bs=1M count=10",
		"nginx -t",
		"cd /opt/ark/apps/demo\ngit pull --ff-only",
	}
	for _, cmd := range allowed {
		t.Run(cmd, func(t *testing.T) {
			assert.NoError(t, Validate(cmd))
		})
	}
}

func TestValidateRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"":                                      "empty",
		"   \t\n":                               "empty",
		"ls\x00rm":                              "nul-byte",
		strings.Repeat("a", MaxCommandLength+1): "too-long",
	}
	for cmd, rule := range cases {
		err := Validate(cmd)
		var rejected *RejectedError
		require.True(t, errors.As(err, &rejected), "expected rejection for rule %s", rule)
		assert.Equal(t, rule, rejected.Rule)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "rm -rf /", Normalize("  rm\t-rf  /  "))
	assert.Equal(t, "cd /tmp; ls -la", Normalize("cd /tmp\nls  -la\n"))
	assert.Equal(t, "rm -rf /", Normalize("rm -rf \\\n/"))
}
