// Package display talks to the virtual display service that gives each
// session an X display and a browser viewing endpoint.
//
// The allocation mechanics live in that service. This package only knows the
// four primitives (allocate, release, suspend, resume) and how to build the
// token-routed viewer URL:
//
//	<VNC_BASE_URL>?path=websockify/?token=<session_id>
package display

import (
	"context"
	"net/url"
	"strings"

	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// VNCBasePort is added to the display number to form the VNC port.
const VNCBasePort = 5900

// Allocator manages per-session displays.
type Allocator interface {
	// Allocate starts a display whose processes run with env.
	Allocate(ctx context.Context, id string, env map[string]string) (types.DisplayHandle, error)
	// Release tears the display down. Releasing an unknown id succeeds.
	Release(ctx context.Context, id string) error
	// Suspend detaches the viewer before the display tree is checkpointed.
	Suspend(ctx context.Context, id string) error
	// Resume re-attaches a viewer to a restored tree rooted at rootPID.
	Resume(ctx context.Context, id string, rootPID int) (types.DisplayHandle, error)
}

// Endpoint builds the viewer URL for a session.
func Endpoint(base, id string) string {
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "path=websockify/?token=" + url.QueryEscape(id)
}

func handle(base, id string, number, rootPID int) types.DisplayHandle {
	return types.DisplayHandle{
		Number:   number,
		VNCPort:  VNCBasePort + number,
		Endpoint: Endpoint(base, id),
		RootPID:  rootPID,
	}
}
