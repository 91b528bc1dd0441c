package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Headers carried by requests to remote engine gateways.
const (
	HeaderAgentAuth      = "X-Agent-Token"
	HeaderAgentTimestamp = "X-Agent-Timestamp"
	HeaderAgentSignature = "X-Agent-Signature"
)

// SignRequest sets the token, timestamp and HMAC-SHA256 signature headers.
// The signature covers method, path, timestamp and the body digest.
func SignRequest(req *http.Request, token string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	req.Header.Set(HeaderAgentAuth, token)
	req.Header.Set(HeaderAgentTimestamp, ts)
	req.Header.Set(HeaderAgentSignature, signature(req.Method, req.URL.Path, ts, body, token))
}

// VerifyRequest checks the timestamp skew and signature of a signed request.
func VerifyRequest(req *http.Request, token string, body []byte, now time.Time, maxSkew time.Duration) error {
	ts := req.Header.Get(HeaderAgentTimestamp)
	if ts == "" {
		return fmt.Errorf("missing %s", HeaderAgentTimestamp)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", HeaderAgentTimestamp, err)
	}
	skew := now.UTC().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("request timestamp outside allowed skew")
	}

	got := req.Header.Get(HeaderAgentSignature)
	if got == "" {
		return fmt.Errorf("missing %s", HeaderAgentSignature)
	}
	if !hmac.Equal([]byte(got), []byte(signature(req.Method, req.URL.Path, ts, body, token))) {
		return fmt.Errorf("invalid request signature")
	}
	return nil
}

func signature(method, path, ts string, body []byte, token string) string {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(token))
	_, _ = mac.Write([]byte(method + "\n" + path + "\n" + ts + "\n" + hex.EncodeToString(digest[:])))
	return hex.EncodeToString(mac.Sum(nil))
}
