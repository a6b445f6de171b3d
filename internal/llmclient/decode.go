package llmclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxResponseSize caps a response document both on the wire and after decoding.
var maxResponseSize int64 = 32 * 1024 * 1024

// ErrResponseTooLarge is returned when a response exceeds maxResponseSize.
var ErrResponseTooLarge = errors.New("downstream response exceeds size limit")

// readBody reads the response body and undoes gzip, deflate or br encoding.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return decodeBody(raw, resp.Header.Get("Content-Encoding"))
}

// readLimited reads at most maxResponseSize bytes and fails if more remain.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

func decodeBody(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	if len(body) == 0 || encoding == "" || encoding == "identity" {
		return body, nil
	}

	var reader io.ReadCloser
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		reader = gz
	case "deflate":
		reader = flate.NewReader(bytes.NewReader(body))
	case "br":
		reader = io.NopCloser(brotli.NewReader(bytes.NewReader(body)))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
	defer reader.Close()

	decoded, err := readLimited(reader)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", encoding, err)
	}
	return decoded, nil
}
