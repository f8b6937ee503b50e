package wsutil

import (
	"net"
	"net/http"

	"github.com/gobwas/ws"
)

// Upgrade promotes an inbound HTTP request to a raw WebSocket net.Conn,
// mirroring the teacher's handlers_ws.go use of ws.UpgradeHTTP.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	return conn, err
}
