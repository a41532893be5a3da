package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/runhub/runhub/internal/common/logger"
)

// ContextRunID is the gin context key holding the verified run id on
// run-scoped agent endpoints.
const ContextRunID = "auth_run_id"

// Middleware returns a gin middleware verifying the signed-request headers.
// When runScoped is true the X-Run-Id and X-Capability-Token headers are
// required and checked against the store.
func Middleware(v *Verifier, runScoped bool, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body", "code": "validation.body"})
			return
		}
		// Handlers read the body again after verification.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid timestamp", "code": "auth.skew"})
			return
		}

		nonce := c.GetHeader(HeaderNonce)
		signature := c.GetHeader(HeaderSignature)

		runID, capToken := "", ""
		if runScoped {
			runID = c.GetHeader(HeaderRunID)
			capToken = c.GetHeader(HeaderCapabilityToken)
			if runID == "" || capToken == "" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "run credentials required", "code": "auth.capability"})
				return
			}
		}

		err = v.VerifyRequest(c.Request.Method, c.Request.URL.Path, body, ts, nonce, signature, runID, capToken)
		if err != nil {
			status, code := http.StatusUnauthorized, "auth.bad_signature"
			switch {
			case errors.Is(err, ErrSkew):
				code = "auth.skew"
			case errors.Is(err, ErrReplay):
				code = "auth.replay"
			case errors.Is(err, ErrCapability):
				status, code = http.StatusForbidden, "auth.capability"
			case errors.Is(err, ErrBadSignature):
				// default
			default:
				log.WithError(err).Error("signed request verification failed")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "verification error"})
				return
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
			return
		}

		if runScoped {
			c.Set(ContextRunID, runID)
		}
		c.Next()
	}
}
