package group

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/group/wire"
)

// Request asks the group listening on groupSocket to host req and returns
// the group's reply. It is the launcher side of the protocol.
func Request(ctx context.Context, groupSocket string, req domain.GroupRequest) (wire.Response, error) {
	if err := req.Validate(); err != nil {
		return wire.Response{}, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", groupSocket)
	if err != nil {
		return wire.Response{}, fmt.Errorf("connect to group socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(requestReadTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := wire.WriteRequest(conn, req); err != nil {
		return wire.Response{}, fmt.Errorf("send group request: %w", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return wire.Response{}, fmt.Errorf("read group response: %w", err)
	}
	return resp, nil
}
