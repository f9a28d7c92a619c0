package impersonation

import (
	"fmt"

	"github.com/shulehub/shule/core/session"
)

// Banner is the persistent notice shown for the whole session while
// impersonating. It names both identities and offers the stop action; this
// is a safety and audit requirement, not cosmetic.
type Banner struct {
	Visible      bool
	Impersonated string
	Original     string
	StopLabel    string
}

func BannerFor(impCtx *session.ImpersonationContext) Banner {
	if impCtx == nil {
		return Banner{}
	}
	return Banner{
		Visible:      true,
		Impersonated: fmt.Sprintf("%s <%s>", impCtx.Impersonated.Name(), impCtx.Impersonated.Email),
		Original:     fmt.Sprintf("%s <%s>", impCtx.Original.Name(), impCtx.Original.Email),
		StopLabel:    "Stop impersonation",
	}
}

func (b Banner) String() string {
	if !b.Visible {
		return ""
	}
	return fmt.Sprintf("Viewing as %s, signed in as %s. [%s]", b.Impersonated, b.Original, b.StopLabel)
}
