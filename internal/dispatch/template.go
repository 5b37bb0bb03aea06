package dispatch

import (
	"strings"

	"github.com/alessio/shellescape"
)

// Template variables.
const (
	VarURL  = "$URLTOSTAGE"
	VarTree = "$TREENAME"
)

// Expand substitutes url and tree into tmpl by literal replacement. The
// command line runs under sh -c, so each value is shell-quoted and stays one
// word whatever it contains. When tmpl does not mention $URLTOSTAGE the url is
// appended as a final argument.
func Expand(tmpl, url, tree string) string {
	quotedURL := shellescape.Quote(url)
	out := strings.NewReplacer(VarURL, quotedURL, VarTree, shellescape.Quote(tree)).Replace(tmpl)
	if !strings.Contains(tmpl, VarURL) {
		out = strings.TrimRight(out, " \t") + " " + quotedURL
	}
	return out
}
