package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestVerification is returned when a trust manifest fails signature or format checks.
	ErrManifestVerification = errors.New("trust manifest verification failed")

	// ErrUnknownPeerRole is returned when an allow-listed role is absent from the manifest.
	ErrUnknownPeerRole = errors.New("unknown peer role")

	// ErrAttestation is returned when local attestation cannot be completed.
	ErrAttestation = errors.New("attestation failed")

	// ErrPeerTrust is returned when a peer does not present an accepted identity.
	ErrPeerTrust = errors.New("peer not trusted")

	// ErrServiceError is the only start failure reported across the host boundary.
	ErrServiceError = errors.New("service failed to start")

	// ErrInvalidState is returned for a lifecycle command not allowed in the current state.
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// UnknownPeerRoleError names the allow-listed role missing from the manifest.
type UnknownPeerRoleError struct {
	Role PeerRole
}

func (e *UnknownPeerRoleError) Error() string {
	return fmt.Sprintf("%s: %q not in trust manifest", ErrUnknownPeerRole, e.Role)
}

func (e *UnknownPeerRoleError) Is(target error) bool {
	return target == ErrUnknownPeerRole
}
