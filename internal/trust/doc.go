// Package trust verifies TLS peer certificates for the admission core.
//
// Verification runs in a fixed order, and each step short-circuits:
//
//  1. The certificate is parsed from PEM or DER.
//  2. The expected hostname is matched against the SANs, or against the CN
//     when the certificate has no SANs.
//  3. The OCSP cache is consulted by serial. A miss reads as unknown and no
//     live query is made on this path.
//  4. If OCSP gave no verdict, each CRL distribution point is tried in order.
//     Cache misses download, parse and cache the list.
//  5. When a chain is supplied, it is verified up to the configured roots.
//
// A revoked verdict from either source is fatal. An unknown verdict from
// both is logged and the peer is admitted.
//
// # Caches
//
// OCSPCache and CRLCache are reader/writer locked maps. Entries are fresh
// until the next update declared by the responder, or for a fixed window
// (1h for OCSP, 24h for CRL) when none was declared. Stale entries read as
// misses. Verifier.Run sweeps both caches periodically.
//
// # Live OCSP
//
// Verifier.ValidateOCSP queries responders directly and caches the answer.
// Verifier.AcceptStaple caches a stapled response handed over by the
// handshake layer.
package trust
