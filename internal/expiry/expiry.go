// Package expiry chooses the expiry mode of a rule file and computes its
// absolute expiry instant.
package expiry

import htrules "github.com/eugener/htrules/internal"

// Result is the outcome of Compute.
type Result struct {
	Lifetime  int          // effective lifetime in seconds
	Mode      htrules.Mode // ModeAbsolute or ModeModified
	ExpiresAt int64        // unix seconds
}

// Compute applies the fixed timeout when it is set (> 0), otherwise the
// requested lifetime. Negative or zero values are passed through unchanged.
func Compute(fixedTimeout, lifetime int, now int64) Result {
	r := Result{Lifetime: lifetime, Mode: htrules.ModeModified}
	if fixedTimeout > 0 {
		r.Lifetime = fixedTimeout
		r.Mode = htrules.ModeAbsolute
	}
	r.ExpiresAt = now + int64(r.Lifetime)
	return r
}
