// ABOUTME: Host identity and approval service
// ABOUTME: Registration, token resolution, operator approval, and auto-approve redemption

package hosts

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/store"
)

// ErrHostNotRegistered indicates an asserted host token or id that resolves
// to no host record. Always surfaced to the agent as host_not_registered.
var ErrHostNotRegistered = errors.New("host not registered")

// ErrHostNotApproved indicates an operation that requires an approved host.
var ErrHostNotApproved = errors.New("host not approved")

// RegistrationResult is the outcome of processing a system_info message.
type RegistrationResult struct {
	Host *store.Host

	// Approved is true when the agent may enter the active state and the
	// result carries credentials.
	Approved bool

	// AutoApproved is true when approval was granted by redeeming an
	// auto-approve token during this registration.
	AutoApproved bool

	// LinkedChild is the child row linked by auto-approval, if any.
	LinkedChild *store.HostChild

	CertPEM    string
	CertSerial string
}

// Service owns the logical host records behind the dispatch protocol.
type Service struct {
	store  store.Store
	certs  CertIssuer
	logger *slog.Logger
}

// New creates a host Service.
func New(s store.Store, certs CertIssuer, logger *slog.Logger) *Service {
	return &Service{store: s, certs: certs, logger: logger}
}

// Resolve validates an asserted identity. A host token takes precedence over
// a bare host id, since ids are not secret. Both empty means no identity
// asserted; that is the caller's case to handle, not an error here.
func (s *Service) Resolve(ctx context.Context, hostToken, hostID string) (*store.Host, error) {
	if hostToken != "" {
		host, err := s.store.GetHostByToken(ctx, hostToken)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrHostNotRegistered
		}
		return host, err
	}
	if hostID != "" {
		host, err := s.store.GetHost(ctx, hostID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrHostNotRegistered
		}
		return host, err
	}
	return nil, ErrHostNotRegistered
}

// Register processes a system_info message: resolves or creates the host
// record, refreshes reported facts, and redeems an auto-approve token when
// one is presented. The returned result tells the dispatch layer whether to
// answer registration_success or registration_pending.
func (s *Service) Register(ctx context.Context, info *protocol.SystemInfo, hostToken string, remoteIP string) (*RegistrationResult, error) {
	fqdn := info.FQDN
	if fqdn == "" {
		fqdn = info.Hostname
	}
	if fqdn == "" {
		return nil, fmt.Errorf("system_info carries no hostname")
	}

	host, err := s.resolveForRegistration(ctx, hostToken, fqdn)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := false
	if host == nil {
		host = &store.Host{
			ID:             uuid.New().String(),
			FQDN:           fqdn,
			ApprovalStatus: store.ApprovalPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		created = true
	}

	host.FQDN = fqdn
	host.Addresses = mergeAddress(info.Addresses, remoteIP)
	host.Platform = info.Platform
	host.Privileged = info.Privileged
	host.Shells = info.Shells
	host.LastSeen = &now

	result := &RegistrationResult{Host: host}

	// Redeem a single-use auto-approve token before persisting, so the
	// approval and the link land in the same update. The claim burns the
	// token conditionally; a second registration racing on the same token
	// loses the claim and stays pending.
	if info.AutoApproveToken != "" && host.ApprovalStatus == store.ApprovalPending {
		child, err := s.store.ClaimChildByAutoApproveToken(ctx, info.AutoApproveToken)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if child != nil {
			if err := s.autoApprove(ctx, host, child, result); err != nil {
				return nil, err
			}
		} else {
			s.logger.Warn("unknown auto-approve token presented",
				"fqdn", fqdn, "host_id", host.ID)
		}
	}

	if created {
		if err := s.store.CreateHost(ctx, host); err != nil {
			return nil, err
		}
		s.logger.Info("new host registered",
			"host_id", host.ID,
			"fqdn", host.FQDN,
			"approval_status", host.ApprovalStatus,
		)
	} else {
		if err := s.store.UpdateHost(ctx, host); err != nil {
			return nil, err
		}
	}

	if result.LinkedChild != nil {
		if err := s.store.UpdateChild(ctx, result.LinkedChild); err != nil {
			return nil, err
		}
	}

	result.Approved = host.ApprovalStatus == store.ApprovalApproved
	return result, nil
}

// resolveForRegistration finds the existing host record for a registration,
// preferring the presented token over the reported name.
func (s *Service) resolveForRegistration(ctx context.Context, hostToken, fqdn string) (*store.Host, error) {
	if hostToken != "" {
		host, err := s.store.GetHostByToken(ctx, hostToken)
		if err == nil {
			return host, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// Token from a deleted host record; fall through to name resolution
		// so the agent re-registers as pending instead of ghosting.
	}
	host, err := s.store.GetHostByFQDN(ctx, fqdn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return host, err
}

// autoApprove grants approval via a child provisioning token: the host is
// approved, credentialed, linked to its child row, and the token is burned.
func (s *Service) autoApprove(ctx context.Context, host *store.Host, child *store.HostChild, result *RegistrationResult) error {
	certPEM, err := s.credential(host)
	if err != nil {
		return err
	}
	host.ApprovalStatus = store.ApprovalApproved
	host.ParentHostID = &child.ParentHostID

	if !child.Status.CanTransition(store.ChildRunning) {
		return fmt.Errorf("%w: child %s cannot move %s -> running",
			store.ErrIllegalTransition, child.ID, child.Status)
	}
	now := time.Now().UTC()
	child.ChildHostID = &host.ID
	child.Status = store.ChildRunning
	child.AutoApproveToken = nil
	child.InstallationStep = ""
	child.ErrorMessage = ""
	if child.InstalledAt == nil {
		child.InstalledAt = &now
	}

	result.AutoApproved = true
	result.LinkedChild = child
	result.CertPEM = certPEM
	result.CertSerial = host.CertSerial

	s.logger.Info("host auto-approved via child provisioning token",
		"host_id", host.ID,
		"fqdn", host.FQDN,
		"child_id", child.ID,
		"parent_host_id", child.ParentHostID,
	)
	return nil
}

// Approve grants operator approval: issues the bearer token and client
// certificate and marks the host approved. The certificate PEM is returned
// to the operator for out-of-band installation; only its serial is stored.
func (s *Service) Approve(ctx context.Context, hostID string) (*store.Host, string, error) {
	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, "", err
	}
	if host.ApprovalStatus == store.ApprovalApproved {
		return host, "", nil
	}

	certPEM, err := s.credential(host)
	if err != nil {
		return nil, "", err
	}
	host.ApprovalStatus = store.ApprovalApproved
	if err := s.store.UpdateHost(ctx, host); err != nil {
		return nil, "", err
	}

	s.logger.Info("host approved", "host_id", host.ID, "fqdn", host.FQDN)
	return host, certPEM, nil
}

// credential issues the host bearer token and client certificate.
func (s *Service) credential(host *store.Host) (string, error) {
	token, err := NewHostToken()
	if err != nil {
		return "", err
	}
	host.HostToken = token

	certPEM, serial, err := s.certs.Issue(host.FQDN)
	if err != nil {
		return "", fmt.Errorf("issuing certificate for %s: %w", host.FQDN, err)
	}
	host.CertSerial = serial
	return certPEM, nil
}

// NewHostToken generates a long-lived bearer secret.
func NewHostToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating host token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// mergeAddress appends the observed remote address to the reported ones,
// deduplicated.
func mergeAddress(reported []string, remoteIP string) []string {
	if remoteIP == "" {
		return reported
	}
	for _, addr := range reported {
		if addr == remoteIP {
			return reported
		}
	}
	return append(reported, remoteIP)
}
