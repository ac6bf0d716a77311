package model

import "fmt"

// SessionID identifies one accepted client connection. IDs are allocated in
// increasing order by the server and never reused within a process.
type SessionID uint64

func (id SessionID) String() string {
	return fmt.Sprintf("session(%d)", uint64(id))
}
