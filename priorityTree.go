package http2

// reparentStream updates strm's position in the priority tree that strms
// implicitly forms through each Stream's parent field. strms acts as the
// arena: streams reference each other purely by id, so reparenting never
// needs to touch anything but the two streams involved (plus, in the
// exclusive case, strm's new siblings).
//
// https://tools.ietf.org/html/rfc7540#section-5.3.3
func reparentStream(strms Streams, strm *Stream, parent uint32, weight byte, exclusive bool) {
	if parent == strm.ID() {
		// a stream can't depend on itself; treat it as a dependency on the root.
		parent = 0
	}

	if parent != 0 && formsCycle(strms, strm.ID(), parent) {
		// the new parent is a descendant of strm: splice strm out of the
		// chain by handing its old spot to the new parent.
		if p := strms.Search(parent); p != nil {
			p.SetParent(strm.Parent())
		}
	}

	if exclusive {
		for _, s := range strms {
			if s.ID() != strm.ID() && s.Parent() == parent {
				s.SetParent(strm.ID())
			}
		}
	}

	strm.SetParent(parent)
	strm.SetWeight(weight)
	strm.SetExclusive(exclusive)
}

// formsCycle reports whether parent is strm's id or a transitive dependent
// of strm, which would make strm depend on itself once reparented.
func formsCycle(strms Streams, strmID, parent uint32) bool {
	visited := make(map[uint32]bool)

	for cur := parent; cur != 0; {
		if cur == strmID {
			return true
		}

		if visited[cur] {
			break
		}
		visited[cur] = true

		s := strms.Search(cur)
		if s == nil {
			break
		}

		cur = s.Parent()
	}

	return false
}
