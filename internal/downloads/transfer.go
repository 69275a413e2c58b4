package downloads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"finch/internal/logging"
	"finch/internal/services"
	"finch/internal/services/jellyfin"
)

// Request is one transfer handed to a Transferer.
type Request struct {
	ItemID      string
	ServerID    string
	URL         string
	Destination string
}

// ProgressFunc receives cumulative byte counts. total is zero when unknown.
type ProgressFunc func(received, total int64)

// Transferer moves an item's bytes to req.Destination. It reports progress
// through the callback and returns the final local path. A cancelled ctx must
// stop the transfer and leave no partial file behind.
type Transferer interface {
	Transfer(ctx context.Context, req Request, progress ProgressFunc) (string, error)
}

// Authorizer stamps credentials on an outgoing request.
type Authorizer interface {
	Authorize(req *http.Request)
}

// AuthorizerSource resolves the credentials for the server an item came from.
type AuthorizerSource func(serverID string) (Authorizer, error)

// HTTPTransferer streams downloads over HTTP into a ".part" file and moves it
// into place on success.
type HTTPTransferer struct {
	client     jellyfin.HTTPDoer
	authorizer AuthorizerSource
	tempDir    string
	logger     *slog.Logger
}

// TransferOption customises an HTTPTransferer.
type TransferOption func(*HTTPTransferer)

// WithAuthorizer sets the per-server credential lookup.
func WithAuthorizer(source AuthorizerSource) TransferOption {
	return func(t *HTTPTransferer) { t.authorizer = source }
}

// WithTempDir stages partial files in dir instead of next to the destination.
func WithTempDir(dir string) TransferOption {
	return func(t *HTTPTransferer) { t.tempDir = strings.TrimSpace(dir) }
}

// NewHTTPTransferer builds a transferer. A nil client uses http.DefaultClient.
func NewHTTPTransferer(client jellyfin.HTTPDoer, logger *slog.Logger, opts ...TransferOption) *HTTPTransferer {
	if client == nil {
		client = http.DefaultClient
	}
	t := &HTTPTransferer{
		client: client,
		logger: logging.NewComponentLogger(logger, "transfer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transfer implements Transferer.
func (t *HTTPTransferer) Transfer(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return "", services.Wrap(services.ErrUnexpected, "transfer", "missing source url for "+req.ItemID, nil)
	}
	if strings.TrimSpace(req.Destination) == "" {
		return "", services.Wrap(services.ErrUnexpected, "transfer", "missing destination for "+req.ItemID, nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", services.Wrap(services.ErrUnexpected, "build download request", req.URL, err)
	}
	if t.authorizer != nil {
		auth, err := t.authorizer(req.ServerID)
		if err != nil {
			return "", err
		}
		if auth != nil {
			auth.Authorize(httpReq)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", services.Wrap(services.ErrNetwork, "download", req.ItemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &jellyfin.StatusError{
			Method:     http.MethodGet,
			Path:       httpReq.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			Token:      jellyfin.RequestToken(httpReq),
		}
	}

	partPath := t.partPath(req)
	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return "", services.Wrap(services.ErrUnexpected, "create download directory", filepath.Dir(partPath), err)
	}
	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", services.Wrap(services.ErrUnexpected, "create partial file", partPath, err)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	writer := &progressWriter{dst: part, total: total, report: progress}
	_, copyErr := io.CopyBuffer(writer, resp.Body, make([]byte, 64*1024))
	closeErr := part.Close()

	if copyErr == nil && closeErr == nil && total > 0 && writer.written != total {
		copyErr = fmt.Errorf("short body: received %d of %d bytes", writer.written, total)
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if copyErr == nil {
			copyErr = closeErr
		}
		return "", services.Wrap(services.ErrNetwork, "download", req.ItemID, copyErr)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		_ = os.Remove(partPath)
		return "", ctxErr
	}
	if err := FileMover(partPath, req.Destination); err != nil {
		_ = os.Remove(partPath)
		return "", services.Wrap(services.ErrUnexpected, "finalize download", req.Destination, err)
	}
	t.logger.Debug("transfer finished",
		logging.String(logging.FieldItemID, req.ItemID),
		logging.String("destination", req.Destination),
		logging.Int64("bytes", writer.written),
	)
	return req.Destination, nil
}

func (t *HTTPTransferer) partPath(req Request) string {
	if t.tempDir != "" {
		return filepath.Join(t.tempDir, filepath.Base(PartialPath(req.Destination)))
	}
	return PartialPath(req.Destination)
}

type progressWriter struct {
	dst     io.Writer
	written int64
	total   int64
	report  ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.written += int64(n)
		if w.report != nil {
			w.report(w.written, w.total)
		}
	}
	return n, err
}

// PartialPath returns where a transfer into destination stages its bytes
// when no temp dir is configured.
func PartialPath(destination string) string {
	return destination + ".part"
}
