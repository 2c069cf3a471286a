package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"loom/internal/artifact"
	"loom/internal/provider"
	"loom/internal/services"
)

// ArtifactSink is the slice of the artifact store the dispatcher writes to.
type ArtifactSink interface {
	Put(ctx context.Context, data []byte, declaredMIME string) (artifact.PutResult, error)
	PutMetadata(hash string, sc artifact.Sidecar) error
}

// downloader fetches provider output URLs. Downloads get a longer body
// window than wire calls.
type downloader struct {
	client *http.Client
}

func newDownloader() *downloader {
	return &downloader{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func (dl *downloader) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", services.Wrap(services.ErrFatal, "download", "fetch", "", err)
	}
	resp, err := dl.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", services.Wrap(services.ErrCancelled, "download", "fetch", "", ctx.Err())
		}
		return nil, "", services.Wrap(services.ErrTransient, "download", "fetch", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", services.Wrap(services.ErrTransient, "download", "fetch",
			fmt.Sprintf("HTTP %d fetching %s", resp.StatusCode, url), nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", services.Wrap(services.ErrCancelled, "download", "fetch", "", ctx.Err())
		}
		return nil, "", services.Wrap(services.ErrIO, "download", "fetch", "read body", err)
	}
	mime := resp.Header.Get("Content-Type")
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	return data, strings.TrimSpace(mime), nil
}

// defaultMIME picks the fallback content type when neither the provider nor
// the URL says.
func defaultMIME(kind provider.Kind, url string) string {
	if ext := path.Ext(url); ext != "" {
		if q := strings.IndexAny(ext, "?#"); q >= 0 {
			ext = ext[:q]
		}
		if mime := artifact.MIMEForExtension(ext); mime != "application/octet-stream" {
			return mime
		}
	}
	switch kind {
	case provider.KindImageToVideo, provider.KindTextToVideo:
		return "video/mp4"
	case provider.KindTextToSpeech:
		return "audio/mpeg"
	default:
		return "image/png"
	}
}

// storeOutputs downloads URL outputs, writes everything into the artifact
// store, attaches sidecars, and records project references. Order follows
// the provider's output order.
func (d *Dispatcher) storeOutputs(ctx context.Context, job *Job, outputs []provider.Output) ([]string, error) {
	hashes := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if err := ctx.Err(); err != nil {
			return nil, services.Wrap(services.ErrCancelled, "dispatcher", "store-outputs", "", err)
		}
		data := out.Data
		mime := out.MIME
		if len(data) == 0 && out.URL != "" {
			var err error
			var fetchedMIME string
			data, fetchedMIME, err = d.download.fetch(ctx, out.URL)
			if err != nil {
				return nil, err
			}
			if mime == "" {
				mime = fetchedMIME
			}
		}
		if len(data) == 0 {
			return nil, services.Wrap(services.ErrProvider, "dispatcher", "store-outputs", "provider returned an empty output", nil)
		}
		if mime == "" || mime == "application/octet-stream" {
			mime = defaultMIME(job.Request.Kind, out.URL)
		}

		res, err := d.sink.Put(ctx, data, mime)
		if err != nil {
			return nil, err
		}
		if err := d.sink.PutMetadata(res.Hash, sidecarFor(job, mime, res.SizeBytes)); err != nil {
			return nil, err
		}
		if d.refs != nil && job.ProjectID != "" {
			if err := d.refs.Add(ctx, res.Hash, job.ProjectID); err != nil {
				return nil, services.Wrap(services.ErrIO, "dispatcher", "store-outputs", "record reference", err)
			}
		}
		hashes = append(hashes, res.Hash)
	}
	return hashes, nil
}

// sidecarFor builds provenance metadata from the job's parameter bag.
func sidecarFor(job *Job, mime string, size int64) artifact.Sidecar {
	sc := artifact.Sidecar{
		Model:     job.Request.Model,
		Prompt:    job.Request.Prompt,
		MIME:      mime,
		SizeBytes: size,
		Inputs:    job.Request.Inputs,
	}
	if ratio, ok := job.Request.Params.String("aspectRatio"); ok {
		sc.AspectRatio = ratio
	}
	if res, ok := job.Request.Params.String("resolution"); ok {
		sc.Resolution = res
	}
	if seed, ok := job.Request.Params.Int("seed"); ok {
		s := int64(seed)
		sc.Seed = &s
	}
	if dur, ok := job.Request.Params.Float("duration"); ok {
		sc.DurationSec = dur
	}
	return sc
}
