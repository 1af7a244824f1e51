package bus

import "errors"

// ErrUnavailable is returned when the upstream bus cannot accept a publish or
// subscribe call. Affected channels degrade to no delivery until the next
// subscribe event retries the call.
var ErrUnavailable = errors.New("upstream bus unavailable")
