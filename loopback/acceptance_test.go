package loopback_test

import (
	"testing"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/loopback"
	"github.com/remapi/remapi/server"
	"github.com/remapi/remapi/transporttest"
)

func TestLoopbackAcceptance(t *testing.T) {
	t.Parallel()

	transporttest.RunTransportTests(t, func(t *testing.T, cm *server.ConnectionManager) (client.Transport, string) {
		return loopback.New(cm, loopback.WithLogger(quietLogger())), ""
	})
}
