package historycache

import (
	"crypto/md5"
)

// testTypeSupport hashes key bytes with md5, truncated to the 16-byte
// KeyHash the cache expects -- good enough to give tests distinct,
// deterministic instance keys without pulling in a real IDL type system.
type testTypeSupport struct{}

func (testTypeSupport) HashFromKey(key []byte, secure bool) KeyHash {
	return KeyHash(md5.Sum(key))
}

func (testTypeSupport) KeyToNative(dest interface{}, dynamic bool, secure bool, key []byte) error {
	return nil
}

func newTestCache(opts CacheOptions) *Cache {
	if opts.TypeSupport == nil {
		opts.TypeSupport = testTypeSupport{}
	}
	return NewCache(opts)
}

func keyHash(s string) KeyHash {
	return testTypeSupport{}.HashFromKey([]byte(s), false)
}

func mustAlloc(c *Cache, kind ChangeKind, writer Handle, t FTime) *Sample {
	s, err := poolStore.Allocate()
	if err != nil {
		panic(err)
	}
	s.Kind = kind
	s.Writer = writer
	s.Time = t
	return s
}
