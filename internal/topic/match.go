// Package topic matches MQTT topic names against subscription style patterns.
package topic

// Match reports whether topic matches pattern. It walks both strings once,
// left to right, with no backtracking. '+' consumes one level and '#'
// matches the remainder of the topic, including the parent level, so
// "a/#" matches "a". "a/+" does not match "a".
func Match(pattern, topic string) bool {
	p, t := 0, 0
	for p < len(pattern) && t < len(topic) {
		switch c := pattern[p]; {
		case c == '#':
			return true
		case c == '+':
			for t < len(topic) && topic[t] != '/' {
				t++
			}
			p++
			if p < len(pattern) && pattern[p] != '/' {
				return false
			}
		case c == topic[t]:
			p++
			t++
		default:
			return false
		}
	}
	if t < len(topic) {
		return false
	}
	rest := pattern[p:]
	return rest == "" || rest == "#" || rest == "/#"
}
