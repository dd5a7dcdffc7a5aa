package config

import (
	"errors"
	"slices"
)

var (
	sessionTypes = []string{SessionLocal, SessionRemote, SessionCore}
	coreTypes    = []string{CoreTypeCoreFile, CoreTypeTraceFile}
	reverseModes = []string{ReverseSoftware, ReverseBranchTrace, ReverseProcessorTrace}
)

// Validate checks the attributes for combinations the launch sequences
// cannot act on. All problems are reported together.
func (a Attributes) Validate() error {
	var errs []error
	invalid := func(key, msg string) {
		errs = append(errs, &ValidationError{Key: key, Message: msg})
	}

	st := a.SessionType()
	if !slices.Contains(sessionTypes, st) {
		invalid(KeySessionType, "unknown session type "+st)
	}

	switch st {
	case SessionRemote:
		if a.Bool(KeyRemoteTCP, true) {
			if a.String(KeyRemoteHost, "") == "" {
				invalid(KeyRemoteHost, "required for a TCP remote target")
			}
			if a.String(KeyRemotePort, "") == "" {
				invalid(KeyRemotePort, "required for a TCP remote target")
			}
		} else if a.String(KeyRemoteDevice, "") == "" {
			invalid(KeyRemoteDevice, "required for a serial remote target")
		}
	case SessionCore:
		if a.String(KeyCorePath, "") == "" {
			invalid(KeyCorePath, "required for a post-mortem session")
		}
		if ct := a.String(KeyCoreType, CoreTypeCoreFile); !slices.Contains(coreTypes, ct) {
			invalid(KeyCoreType, "unknown post-mortem type "+ct)
		}
	}

	if a.IsAttach() {
		if pid := a.Int(KeyAttachPID, 0); pid <= 0 {
			invalid(KeyAttachPID, "must be a positive process id")
		}
	} else if st == SessionLocal && a.String(KeyProgramPath, "") == "" {
		invalid(KeyProgramPath, "required to start a local program")
	}

	if mode := a.ReverseMode(); mode != "" && !slices.Contains(reverseModes, mode) {
		invalid(KeyReverseMode, "unknown reverse mode "+mode)
	}

	return errors.Join(errs...)
}
