package message

import "fmt"

// Kind is the one-byte tag identifying what a message carries.
type Kind uint8

// Kind tag values as they appear on the wire.
const (
	KindConnect Kind = 1
	KindLogin   Kind = 2
	KindSuccess Kind = 3
	KindError   Kind = 4
	KindMkdir   Kind = 10
	KindCd      Kind = 20
	KindLs      Kind = 30
	KindUp      Kind = 100
	KindDown    Kind = 200
	KindFile    Kind = 255
)

var kindNames = map[Kind]string{
	KindConnect: "CONNECT",
	KindLogin:   "LOGIN",
	KindSuccess: "SUCCESS",
	KindError:   "ERROR",
	KindMkdir:   "MKDIR",
	KindCd:      "CD",
	KindLs:      "LS",
	KindUp:      "UP",
	KindDown:    "DOWN",
	KindFile:    "FILE",
}

// Valid reports whether k is one of the defined tags.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}
