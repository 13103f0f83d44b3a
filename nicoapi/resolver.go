package nicoapi

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/kabili207/nicolive-go/client"
	"github.com/kabili207/nicolive-go/core"
)

// ErrNoRooms is returned by StaticResolver when its template lists no
// rooms.
var ErrNoRooms = errors.New("nicoapi: broadcast has no rooms")

// StaticResolver resolves every reference to a fixed room layout, wiring
// API in as the key source and owner poster.
type StaticResolver struct {
	Template core.Broadcast
	API      *Client
}

var _ client.Resolver = (*StaticResolver)(nil)

// Resolve returns a copy of the template named ref.
func (r *StaticResolver) Resolve(_ context.Context, ref string, creds client.Credentials) (*core.Broadcast, error) {
	if len(r.Template.Rooms) == 0 {
		return nil, ErrNoRooms
	}

	b := r.Template
	b.Rooms = slices.Clone(r.Template.Rooms)
	if ref != "" {
		b.ID = NormalizeID(ref)
	}

	if r.API != nil {
		if creds.UserSession != "" {
			r.API.SetUserSession(creds.UserSession)
		}
		if b.Keys == nil {
			b.Keys = r.API
		}
		if b.OwnerToken != "" && b.Owner == nil {
			b.Owner = r.API
		}
	}
	b.IsOwner = b.OwnerToken != ""
	return &b, nil
}

// SetUserSession replaces the session cookie sent with every request.
func (c *Client) SetUserSession(session string) {
	if c.http.Jar == nil {
		c.log.Warn("no cookie jar, session ignored")
		return
	}
	c.http.Jar.SetCookies(c.base, []*http.Cookie{{Name: SessionCookie, Value: session, Path: "/"}})
}
