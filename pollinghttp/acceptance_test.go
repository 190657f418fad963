package pollinghttp_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/pollinghttp"
	"github.com/remapi/remapi/server"
	"github.com/remapi/remapi/transporttest"
)

func TestPollingHTTPAcceptance(t *testing.T) {
	t.Parallel()

	transporttest.RunTransportTests(t, func(t *testing.T, cm *server.ConnectionManager) (client.Transport, string) {
		ts := httptest.NewServer(pollinghttp.NewHandler(cm, pollinghttp.WithHandlerLogger(quietLogger())))
		t.Cleanup(ts.Close)
		transport := pollinghttp.NewTransport(pollinghttp.Config{RequestTimeout: 5 * time.Second},
			pollinghttp.WithTransportLogger(quietLogger()))
		return transport, ts.URL
	})
}
