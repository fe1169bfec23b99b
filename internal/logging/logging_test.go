package logging

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hanmaum/graphbatch/internal/eventbus"
	"github.com/hanmaum/graphbatch/internal/events"
)

func TestHTTPFinishLogged(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	var buf bytes.Buffer
	Setup(zerolog.New(&buf))

	req := httptest.NewRequest("POST", "/graphql", nil)
	eventbus.Publish(context.Background(), events.HTTPFinish{
		Request:  req,
		Status:   200,
		Batched:  true,
		Duration: 5 * time.Millisecond,
	})

	out := buf.String()
	require.Contains(t, out, `"path":"/graphql"`)
	require.Contains(t, out, `"batched":true`)
	require.Contains(t, out, `"message":"request"`)
}

func TestExecuteErrorsLogAtWarn(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	var buf bytes.Buffer
	Setup(zerolog.New(&buf))

	eventbus.Publish(context.Background(), events.ExecuteFinish{
		Query:  "{ a }",
		Errors: []error{context.Canceled},
	})
	require.Contains(t, buf.String(), `"level":"warn"`)
}
