package consumer

// Membership decides how a consumer reads its stream: alone with its own
// cursor, or as one member of a consumer group.
type Membership interface {
	membership()
}

// Standalone reads every entry after a private cursor.
type Standalone struct {
	// StartCursor defaults to the end of the stream.
	StartCursor string
}

// GroupMember competes with the other members of Group for entries.
type GroupMember struct {
	Group       string
	Member      string
	Acknowledge bool
}

func (Standalone) membership()  {}
func (GroupMember) membership() {}
