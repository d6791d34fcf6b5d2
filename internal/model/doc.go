// Package model defines the records exchanged with the download API: cart
// items, carts, submission results and download jobs.
//
// JSON field names follow the server's camelCase wire format.
package model
