package jail

import (
	"errors"
)

// validateConfig is the single input-validation boundary for Config,
// mirroring the teacher's validateConfigAndEnv: every field check runs
// independently and all failures are joined, so a caller sees every
// problem at once rather than just the first.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.JailDir == "" {
		errs = append(errs, usagef("jail directory is required"))
	} else if _, ok := Sanitize(cfg.JailDir); !ok {
		errs = append(errs, usagef("invalid jail directory %q", cfg.JailDir))
	}

	if cfg.StagingDir != "" {
		if _, ok := Sanitize(cfg.StagingDir); !ok {
			errs = append(errs, usagef("invalid staging directory %q", cfg.StagingDir))
		}
	}

	return errors.Join(errs...)
}

// validateOwner enforces the JailOwner invariants from the data model:
// uid/gid must not be 0, home must be a single-component /home/<name> (or
// explicitly remapped to /home/nobody by the caller), and the shell must be
// one of the host's allowed shells.
func validateOwner(owner JailOwner, allowedShells map[string]bool) error {
	var errs []error

	if owner.UID == 0 || owner.GID == 0 {
		errs = append(errs, usagef("jail owner %q must not be uid/gid 0", owner.Name))
	}

	if !isSingleComponentHome(owner.Home) {
		errs = append(errs, usagef("jail owner %q has an unsupported home directory %q", owner.Name, owner.Home))
	}

	if owner.Shell != "/bin/bash" && owner.Shell != "/bin/sh" && !allowedShells[owner.Shell] {
		errs = append(errs, usagef("jail owner %q has a disallowed shell %q", owner.Name, owner.Shell))
	}

	return errors.Join(errs...)
}

func isSingleComponentHome(home string) bool {
	const prefix = "/home/"
	if len(home) <= len(prefix) || home[:len(prefix)] != prefix {
		return false
	}

	rest := home[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return false
		}
	}

	return rest != ""
}
