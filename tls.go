package redis

import "crypto/tls"

// tlsConfig aliases the standard library's TLS configuration. crypto/tls is
// the only TLS stack any repo in the reference corpus reaches for — there is
// no third-party TLS library to wire here, so this one ambient concern is
// carried on the standard library by necessity; see DESIGN.md.
type tlsConfig = tls.Config
