package tenant

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"regexp"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,200}$`)

// ValidName reports whether s can be used as a tenant id.
func ValidName(s string) bool {
	return nameRe.MatchString(s)
}

var adjectives = []string{
	"amber", "bold", "brave", "bright", "calm", "clever", "cosmic", "crisp",
	"daring", "eager", "fancy", "gentle", "happy", "jolly", "keen", "lively",
	"lucky", "mellow", "nimble", "proud", "quiet", "rapid", "silent", "sunny",
	"swift", "tidy", "vivid", "witty", "zesty",
}

var animals = []string{
	"badger", "bison", "crane", "duck", "eagle", "falcon", "ferret", "fox",
	"gecko", "heron", "ibis", "koala", "lemur", "lynx", "marmot", "moose",
	"newt", "otter", "owl", "panda", "puffin", "quail", "raven", "seal",
	"tapir", "turtle", "walrus", "wombat", "yak",
}

func friendlyName() string {
	return fmt.Sprintf("%s-%s-%03d",
		adjectives[mrand.Intn(len(adjectives))],
		animals[mrand.Intn(len(animals))],
		mrand.Intn(1000))
}

func fallbackName() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tenant-" + hex.EncodeToString(b), nil
}
