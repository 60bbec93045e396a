package protocol

// ShortID truncates an id for log readability.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
