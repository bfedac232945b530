package http2

import "sort"

// Streams is the set of streams live on a connection, kept sorted by
// ascending stream id. Because HTTP/2 stream ids are only ever handed out
// in increasing order, appending a newly created stream keeps the slice
// sorted without needing an insertion step.
type Streams []*Stream

// Search returns the stream with the given id, or nil if it isn't tracked.
func (strms Streams) Search(id uint32) *Stream {
	i := sort.Search(len(strms), func(i int) bool {
		return strms[i].id >= id
	})

	if i < len(strms) && strms[i].id == id {
		return strms[i]
	}

	return nil
}

// Del removes and returns the stream with the given id.
func (strms *Streams) Del(id uint32) *Stream {
	s := *strms

	i := sort.Search(len(s), func(i int) bool {
		return s[i].id >= id
	})

	if i < len(s) && s[i].id == id {
		strm := s[i]
		*strms = append(s[:i], s[i+1:]...)
		return strm
	}

	return nil
}

// GetFirstOf returns the oldest tracked stream originated by the given
// frame type (FrameHeaders or FramePushPromise).
func (strms Streams) GetFirstOf(originType FrameType) *Stream {
	for _, s := range strms {
		if s.origType == originType {
			return s
		}
	}

	return nil
}

// getPrevious returns the most recently tracked stream originated by the
// given frame type, excluding the last entry in the slice (the stream just
// created by the caller).
func (strms Streams) getPrevious(originType FrameType) *Stream {
	n := len(strms)
	if n < 2 {
		return nil
	}

	for i := n - 2; i >= 0; i-- {
		if strms[i].origType == originType {
			return strms[i]
		}
	}

	return nil
}
