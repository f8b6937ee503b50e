package firehose

import (
	"context"
	"encoding/json"
	"net"

	"github.com/gobwas/ws"
	gws "github.com/gobwas/ws/wsutil"

	"github.com/wotanvonklass/polygon-proxy/internal/wire"
)

// fakeUpstreamDialer builds an upstream.Client.Dialer that stands in for a
// live Polygon connection: it completes the auth/subscribe handshake over
// an in-memory net.Pipe, then relays whatever frames tests send on inject
// as unmasked server frames, until the pipe is closed. Grounded on
// original_source/polygon_proxy/test_filtering_logic.py, which injects
// Polygon-shaped frames straight into the upstream socket path rather than
// requiring a live exchange connection to validate filtering.
func fakeUpstreamDialer(inject <-chan []byte) func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		server, client := net.Pipe()
		go runFakeUpstream(server, inject)
		return client, nil
	}
}

func runFakeUpstream(server net.Conn, inject <-chan []byte) {
	defer server.Close()

	if _, _, err := gws.ReadClientData(server); err != nil {
		return
	}
	status, _ := json.Marshal(wire.StatusFrame(wire.StatusAuthSuccess, ""))
	if err := gws.WriteServerMessage(server, ws.OpText, status); err != nil {
		return
	}

	if _, _, err := gws.ReadClientData(server); err != nil {
		return
	}

	for frame := range inject {
		if err := gws.WriteServerMessage(server, ws.OpText, frame); err != nil {
			return
		}
	}
}
