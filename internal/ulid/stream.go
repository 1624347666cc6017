package ulid

// stream is a keyed byte generator over a 256-entry permutation. Mixing one
// 256-byte key into a fresh stream yields the RC4 keystream for that key; the
// fallback seeder keeps calling mix with noise, which crypto/rc4 cannot do.
type stream struct {
	s    [256]byte
	i, j uint8
}

func newStream() stream {
	var st stream
	for k := range st.s {
		st.s[k] = byte(k)
	}
	return st
}

// mix runs one key-scheduling pass over the permutation.
func (st *stream) mix(key []byte) {
	if len(key) == 0 {
		return
	}
	for k := 0; k < len(st.s); k++ {
		st.j += st.s[k] + key[k%len(key)]
		st.s[k], st.s[st.j] = st.s[st.j], st.s[k]
	}
}

func (st *stream) read(p []byte) {
	for k := range p {
		st.i++
		st.j += st.s[st.i]
		st.s[st.i], st.s[st.j] = st.s[st.j], st.s[st.i]
		p[k] = st.s[st.s[st.i]+st.s[st.j]]
	}
}
