package remote

import (
	"context"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/guest"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Client calls a Remote in process, as one principal.
type Client struct {
	Remote    *Remote
	Principal string
	// Secret verifies claim credentials; nil trusts the token's subject.
	Secret []byte
	// Offline makes every call fail like an unreachable server.
	Offline bool
}

var _ coordinator.NetworkClient = (*Client)(nil)

func (c *Client) Send(ctx context.Context, a model.Action) (coordinator.SendResult, error) {
	if c.Offline {
		return coordinator.SendResult{}, errors.Transient(errors.OpPush, errOffline)
	}
	return c.Remote.Apply(WithPrincipal(ctx, c.Principal), a)
}

func (c *Client) Pull(ctx context.Context, since cursor.Cursor, limit int) (coordinator.PullResult, error) {
	if c.Offline {
		return coordinator.PullResult{}, errors.Transient(errors.OpPull, errOffline)
	}
	return c.Remote.Changes(ctx, since, limit)
}

func (c *Client) ClaimGuest(ctx context.Context, guestID, credential string) (coordinator.ClaimResponse, error) {
	if c.Offline {
		return coordinator.ClaimResponse{}, errors.ClaimNetwork(errOffline)
	}
	account, err := Authenticate(credential, c.Secret, c.Remote.clock.Now())
	if err != nil {
		return coordinator.ClaimResponse{}, err
	}
	return c.Remote.Claim(ctx, guestID, account)
}

// Authenticate returns the account a claim credential names. With a secret
// the signature is verified.
func Authenticate(credential string, secret []byte, now time.Time) (string, error) {
	if len(secret) > 0 {
		return guest.Verify(strings.TrimPrefix(credential, "Bearer "), secret, now)
	}
	cred, err := guest.Inspect(credential, now)
	if err != nil {
		return "", err
	}
	return cred.Subject, nil
}
