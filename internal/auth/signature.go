package auth

import (
	"net/http"
	"strings"

	"ledgerchat/internal/logging"
	"ledgerchat/internal/transport"

	"github.com/gin-gonic/gin"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// TwilioSignatureMiddleware rejects webhook posts whose X-Twilio-Signature does not
// match publicURL plus the request path. It passes everything through when disabled.
func TwilioSignatureMiddleware(authToken, publicURL string, enabled bool) gin.HandlerFunc {
	base := strings.TrimRight(publicURL, "/")
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		fullURL := base + c.Request.URL.RequestURI()
		if !transport.ValidSignature(authToken, fullURL, c.Request.PostForm, c.GetHeader(twilioSignatureHeader)) {
			logging.FromContext(c.Request.Context()).Warn().Str("path", c.Request.URL.Path).Msg("rejected webhook with bad signature")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
