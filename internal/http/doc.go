// Package http is the gateway to the download API, the data API and the IDS.
//
// This package handles:
//   - Session injection as a bearer header and a sessionId parameter
//   - Form-encoded mutations and JSON responses
//   - Per-request ids for correlating server logs
//   - Classifying failures into transient, authorization, validation and
//     permanent kinds
//
// It does not retry. Callers wrap calls in a retry.Retrier.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions(), http.StaticToken(sessionID))
//
//	var cart model.Cart
//	err := client.Get(ctx, http.Endpoint(base, "user", "cart", facility), nil, &cart)
//	if http.Classify(err) == http.KindAuthorization {
//	    // session expired
//	}
package http
