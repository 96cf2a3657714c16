package gateway

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

// ErrSignatureMismatch is returned when a signed parameter set fails
// verification.
var ErrSignatureMismatch = errors.New("signature mismatch")

// Sign computes the provider signature over params: keys sorted, joined as
// k=v pairs with &, the shared key appended as &key=..., MD5, uppercase hex.
// Empty values and the sign field itself are excluded.
func Sign(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&key=")
	b.WriteString(key)

	sum := md5.Sum([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// VerifySign checks the sign field of params against a recomputed signature.
func VerifySign(params map[string]string, key string) error {
	got, ok := params["sign"]
	if !ok || got == "" {
		return errors.Wrap(ErrSignatureMismatch, "missing sign")
	}
	if !strings.EqualFold(got, Sign(params, key)) {
		return ErrSignatureMismatch
	}
	return nil
}
