package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"mesh-maas/pkg/model"
)

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

// ExecRunner runs the command and folds its output into the error.
func ExecRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %v output=%s", name, args, err, string(out))
	}
	return nil
}

// HandlerConfig describes the host the built-in handlers act on.
type HandlerConfig struct {
	Service   string // systemd unit restarted by "restart"
	Interface string // wireguard interface used by "ban_peer"
	// UpgradeCommand receives the target version as its only argument.
	// "upgrade" is not handled when empty.
	UpgradeCommand string
	Run            Runner
}

// Handlers returns the built-in action handlers for cfg.
func Handlers(cfg HandlerConfig) map[string]Handler {
	run := cfg.Run
	if run == nil {
		run = ExecRunner
	}
	if cfg.Interface == "" {
		cfg.Interface = "wg0"
	}
	hs := map[string]Handler{
		model.ActionRestart: func(ctx context.Context, _ model.PlaybookAction) error {
			if cfg.Service == "" {
				return fmt.Errorf("no service configured")
			}
			return run(ctx, "systemctl", "restart", cfg.Service)
		},
		model.ActionExec: func(ctx context.Context, a model.PlaybookAction) error {
			cmd, err := stringParam(a, "command")
			if err != nil {
				return err
			}
			return run(ctx, "sh", "-c", cmd)
		},
		model.ActionBanPeer: func(ctx context.Context, a model.PlaybookAction) error {
			key, err := stringParam(a, "public_key")
			if err != nil {
				return err
			}
			return run(ctx, "wg", "set", cfg.Interface, "peer", key, "remove")
		},
		model.ActionUpdateConfig: func(_ context.Context, a model.PlaybookAction) error {
			path, err := stringParam(a, "path")
			if err != nil {
				return err
			}
			content, err := stringParam(a, "content")
			if err != nil {
				return err
			}
			return writeAtomic(path, []byte(content))
		},
	}
	if cfg.UpgradeCommand != "" {
		hs[model.ActionUpgrade] = func(ctx context.Context, a model.PlaybookAction) error {
			v, err := stringParam(a, "version")
			if err != nil {
				return err
			}
			return run(ctx, cfg.UpgradeCommand, v)
		}
	}
	return hs
}

func stringParam(a model.PlaybookAction, name string) (string, error) {
	v, ok := a.Params[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s: param %q is required", a.Action, name)
	}
	return v, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".maas-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
