// Package webhook accepts signed pushes of URLs to stage.
//
// A catalog that decides what should be staged POSTs to one of the configured
// paths. Every request must carry an HMAC-SHA256 signature of the raw body,
// computed with the endpoint's shared secret:
//
//	webhooks:
//	  listen: "127.0.0.1:8096"
//	  endpoints:
//	    - path: /stage/catalog
//	      secret: ${CATALOG_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//	      tree: events
//
// The body is {"urls": [...], "tree": "..."}; a single "url" is also accepted.
// URLs already in the queue are left alone, so a catalog may push its whole
// wanted set on every pass.
//
// Responses:
//
//   - 202 Accepted with created/existing counts
//   - 400 for a body that is not a stage request
//   - 403 for a missing or wrong signature, with no detail
//   - 413 when the body exceeds max_body_size
package webhook
