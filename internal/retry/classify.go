// Package retry classifies transport errors as transient or permanent and
// drives the exponential backoff policy that wraps every streaming
// transport call.
package retry

import (
	"github.com/kilroy-labs/turnengine/internal/content"
)

// Classify maps an error produced by the streaming transport to its error
// class.
func Classify(err error) content.Class {
	switch e := err.(type) {
	case *content.HTTPError:
		switch {
		case e.Status == 429 || e.Status == 503 || e.Status == 529 || e.Status >= 500:
			return content.ClassTransient
		default:
			return content.ClassPermanent
		}
	case *content.StreamTransientError:
		return content.ClassTransient
	case *content.StreamParseError:
		return content.ClassPermanent
	case *content.TransportError:
		if e.Timeout || e.Connect {
			return content.ClassTransient
		}
		return content.ClassPermanent
	case *content.EncodingError:
		return content.ClassPermanent
	default:
		// Unrecognized error kinds are not part of the classified taxonomy;
		// treat conservatively as permanent so the turn loop does not spin.
		return content.ClassPermanent
	}
}
