package cli

import (
	"testing"
)

func TestRootCmd(t *testing.T) {
	// Test that root command is properly configured
	if rootCmd.Use != "lxiserver" {
		t.Errorf("Expected Use to be 'lxiserver', got '%s'", rootCmd.Use)
	}

	if rootCmd.Short == "" {
		t.Error("Root command should have a short description")
	}

	if rootCmd.Long == "" {
		t.Error("Root command should have a long description")
	}
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	expected := map[string]bool{"serve": false, "config": false, "sandbox": true}

	for name, hidden := range expected {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{name})
			if err != nil || cmd.Name() != name {
				t.Fatalf("subcommand %q not found: %v", name, err)
			}
			if cmd.Hidden != hidden {
				t.Errorf("Hidden = %v, want %v", cmd.Hidden, hidden)
			}
		})
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	flags := rootCmd.PersistentFlags()

	for _, name := range []string{"config", "verbose", "log-level", "log-format"} {
		if flags.Lookup(name) == nil {
			t.Errorf("Expected '%s' persistent flag", name)
		}
	}
	if f := flags.Lookup("verbose"); f != nil && f.Shorthand != "v" {
		t.Errorf("Expected 'verbose' shorthand to be 'v', got '%s'", f.Shorthand)
	}
}

func TestGetConfig(t *testing.T) {
	// Test that GetConfig returns a valid config
	config := GetConfig()
	if config == nil {
		t.Error("GetConfig should not return nil")
	}
}

func TestServeCmd(t *testing.T) {
	if serveCmd.Use != "serve" {
		t.Errorf("Expected Use to be 'serve', got '%s'", serveCmd.Use)
	}

	flags := serveCmd.Flags()
	tests := []struct {
		name      string
		shorthand string
	}{
		{"root", "r"},
		{"port", "p"},
		{"bind", ""},
		{"name", ""},
		{"sandbox", ""},
		{"watch", ""},
	}
	for _, tt := range tests {
		f := flags.Lookup(tt.name)
		if f == nil {
			t.Errorf("Expected '%s' flag on serve command", tt.name)
			continue
		}
		if f.Shorthand != tt.shorthand {
			t.Errorf("Expected '%s' shorthand to be '%s', got '%s'", tt.name, tt.shorthand, f.Shorthand)
		}
	}
}

func TestSandboxCmd(t *testing.T) {
	f := sandboxCmd.Flags().Lookup("mode")
	if f == nil {
		t.Fatal("Expected 'mode' flag on sandbox command")
	}
	if f.DefValue != "probe" {
		t.Errorf("mode default = %s, want probe", f.DefValue)
	}
}
