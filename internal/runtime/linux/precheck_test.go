//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSysctl(t *testing.T, dir, name, value string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0644))
}

func TestDetectUserNamespaces(t *testing.T) {
	tests := []struct {
		name    string
		sysctls map[string]string
		euid    int
		wantErr string
	}{
		{name: "enabled", sysctls: map[string]string{"user/max_user_namespaces": "63000"}, euid: 1000},
		{name: "missing sysctl", euid: 1000, wantErr: "unavailable"},
		{name: "disabled", sysctls: map[string]string{"user/max_user_namespaces": "0"}, euid: 0, wantErr: "disabled"},
		{
			name:    "debian gate",
			sysctls: map[string]string{"user/max_user_namespaces": "10", "kernel/unprivileged_userns_clone": "0"},
			euid:    1000,
			wantErr: "unprivileged_userns_clone",
		},
		{
			name:    "debian gate ignored for root",
			sysctls: map[string]string{"user/max_user_namespaces": "10", "kernel/unprivileged_userns_clone": "0"},
			euid:    0,
		},
		{
			name:    "apparmor",
			sysctls: map[string]string{"user/max_user_namespaces": "10", "kernel/apparmor_restrict_unprivileged_userns": "1"},
			euid:    1000,
			wantErr: "AppArmor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, value := range tt.sysctls {
				writeSysctl(t, dir, name, value)
			}
			err := detectUserNamespaces(dir, tt.euid)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMissingTrustedPaths(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "usr")
	require.NoError(t, os.Mkdir(present, 0755))

	missing := MissingTrustedPaths([]TrustedPath{
		{Path: present},
		{Path: filepath.Join(dir, "lib64"), Optional: true},
		{Path: filepath.Join(dir, "include")},
	})
	assert.Equal(t, []string{filepath.Join(dir, "include")}, missing)
}
