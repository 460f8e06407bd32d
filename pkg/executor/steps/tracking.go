package steps

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Email tracking instrumentation: a hidden preheader span for preview
// text, an invisible 1x1 open pixel, and href rewriting through a signed
// click-redirect, skipping unsubscribe/anchor/mailto links.

var hrefRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// Signer produces the short HMAC tag carried by tracking links.
type Signer struct {
	secret []byte
}

// NewSigner constructs a Signer from the engine's tracking secret.
func NewSigner(secret string) Signer { return Signer{secret: []byte(secret)} }

func (s Signer) sign(data string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// InjectPreviewText prepends a visually hidden preheader span so inbox
// preview panes show previewText instead of the email's leading content.
func InjectPreviewText(html, previewText string) string {
	if previewText == "" || html == "" {
		return html
	}
	preheader := fmt.Sprintf(
		`<div style="display:none;font-size:1px;color:#fff;line-height:1px;max-height:0;max-width:0;opacity:0;overflow:hidden;">%s</div>`,
		previewText,
	)
	if idx := strings.Index(strings.ToLower(html), "<body"); idx >= 0 {
		if closeIdx := strings.Index(html[idx:], ">"); closeIdx >= 0 {
			insertAt := idx + closeIdx + 1
			return html[:insertAt] + preheader + html[insertAt:]
		}
	}
	return preheader + html
}

// InjectPixelAndLinks appends an open-tracking pixel before </body> (or to
// the end of the document) and rewrites outbound hrefs through a signed
// click-redirect carrying (workflowID, subscriberID, stepID) opaquely.
// Unsubscribe links, mailto:, and existing tracking links are left alone.
func InjectPixelAndLinks(html, trackingBaseURL string, signer Signer, workflowID, subscriberID, stepID string) string {
	if trackingBaseURL == "" || html == "" {
		return html
	}
	ctx := fmt.Sprintf("%s|%s|%s", workflowID, subscriberID, stepID)
	sig := signer.sign(ctx)
	encoded := base64.URLEncoding.EncodeToString([]byte(ctx))

	pixel := fmt.Sprintf(`<img src="%s/track/open/%s/%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`, trackingBaseURL, encoded, sig)
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		html = html[:idx] + pixel + html[idx:]
	} else {
		html += pixel
	}

	return hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := hrefRe.FindStringSubmatch(match)
		origURL := parts[1]
		if strings.Contains(origURL, "/track/") || strings.Contains(origURL, "unsubscribe") {
			return match
		}
		linkCtx := fmt.Sprintf("%s|%s", ctx, origURL)
		linkSig := signer.sign(linkCtx)
		linkEncoded := base64.URLEncoding.EncodeToString([]byte(linkCtx))
		return fmt.Sprintf(`href="%s/track/click/%s/%s"`, trackingBaseURL, linkEncoded, linkSig)
	})
}

// UnsubscribeURL builds the signed one-click unsubscribe link carried in the
// List-Unsubscribe header.
func UnsubscribeURL(trackingBaseURL string, signer Signer, workflowID, subscriberID string) string {
	ctx := fmt.Sprintf("%s|%s", workflowID, subscriberID)
	sig := signer.sign(ctx)
	encoded := base64.URLEncoding.EncodeToString([]byte(ctx))
	return fmt.Sprintf("%s/track/unsubscribe/%s/%s", trackingBaseURL, encoded, sig)
}
