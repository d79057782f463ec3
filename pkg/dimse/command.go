package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CGetRQ    uint16 = 0x0010
	CGetRSP   uint16 = 0x8010
	CFindRQ   uint16 = 0x0020
	CFindRSP  uint16 = 0x8020
	CMoveRQ   uint16 = 0x0021
	CMoveRSP  uint16 = 0x8021
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
	CCancelRQ uint16 = 0x0FFF
)

// Status codes.
const (
	StatusSuccess          uint16 = 0x0000
	StatusCancel           uint16 = 0xFE00
	StatusPending          uint16 = 0xFF00
	StatusPendingWarning   uint16 = 0xFF01
	StatusDuplicateSOP     uint16 = 0x0117
	StatusOutOfResources   uint16 = 0xA700
	StatusProcessingFailed uint16 = 0xC000
	StatusSubOpsWarning    uint16 = 0xB000
)

// IsPending reports whether status announces further responses.
func IsPending(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsFailure reports whether status is an error class status.
func IsFailure(status uint16) bool {
	switch {
	case status == StatusSuccess, IsPending(status), status == StatusCancel:
		return false
	case status&0xF000 == 0xB000, status == 0x0107, status == 0x0116:
		return false
	}
	return true
}

const (
	noDataset    uint16 = 0x0101
	withDataset  uint16 = 0x0000
	priorityNorm uint16 = 0x0000
)

// SubOperations carries the retrieve sub-operation counters.
type SubOperations struct {
	Remaining int
	Completed int
	Failed    int
	Warning   int
}

// Command is a DIMSE command set (group 0000).
type Command struct {
	Field                     uint16
	AffectedSOPClassUID       string
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string
	Priority                  uint16
	HasDataset                bool
	Status                    uint16
	ErrorComment              string
	AffectedSOPInstanceUID    string
	SubOps                    *SubOperations
	MoveOriginatorAET         string
	MoveOriginatorMessageID   uint16
}

// IsResponse reports whether the command is a response.
func (c *Command) IsResponse() bool {
	return c.Field&0x8000 != 0
}

type cmdTag uint16

const (
	tagGroupLength      cmdTag = 0x0000
	tagAffectedSOPClass cmdTag = 0x0002
	tagCommandField     cmdTag = 0x0100
	tagMessageID        cmdTag = 0x0110
	tagRespondedTo      cmdTag = 0x0120
	tagMoveDestination  cmdTag = 0x0600
	tagPriority         cmdTag = 0x0700
	tagDataSetType      cmdTag = 0x0800
	tagStatus           cmdTag = 0x0900
	tagErrorComment     cmdTag = 0x0902
	tagAffectedInstance cmdTag = 0x1000
	tagRemaining        cmdTag = 0x1020
	tagCompleted        cmdTag = 0x1021
	tagFailed           cmdTag = 0x1022
	tagWarning          cmdTag = 0x1023
	tagMoveOriginator   cmdTag = 0x1030
	tagMoveOriginatorID cmdTag = 0x1031
)

type cmdValue struct {
	tag   cmdTag
	value []byte
}

func textValue(s string, pad byte) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, pad)
	}
	return b
}

func ushort(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

// Encode serialises the command in implicit VR little endian.
func (c *Command) Encode() []byte {
	vals := []cmdValue{
		{tagCommandField, ushort(c.Field)},
	}
	if c.AffectedSOPClassUID != "" {
		vals = append(vals, cmdValue{tagAffectedSOPClass, textValue(c.AffectedSOPClassUID, 0)})
	}
	if c.IsResponse() {
		vals = append(vals,
			cmdValue{tagRespondedTo, ushort(c.MessageIDBeingRespondedTo)},
			cmdValue{tagStatus, ushort(c.Status)},
		)
		if c.ErrorComment != "" {
			vals = append(vals, cmdValue{tagErrorComment, textValue(c.ErrorComment, ' ')})
		}
	} else if c.Field == CCancelRQ {
		vals = append(vals, cmdValue{tagRespondedTo, ushort(c.MessageIDBeingRespondedTo)})
	} else {
		vals = append(vals, cmdValue{tagMessageID, ushort(c.MessageID)})
		if c.Field != CEchoRQ && c.Field != CCancelRQ {
			vals = append(vals, cmdValue{tagPriority, ushort(c.Priority)})
		}
	}
	if c.MoveDestination != "" {
		vals = append(vals, cmdValue{tagMoveDestination, textValue(c.MoveDestination, ' ')})
	}
	dsType := noDataset
	if c.HasDataset {
		dsType = withDataset
	}
	vals = append(vals, cmdValue{tagDataSetType, ushort(dsType)})
	if c.AffectedSOPInstanceUID != "" {
		vals = append(vals, cmdValue{tagAffectedInstance, textValue(c.AffectedSOPInstanceUID, 0)})
	}
	if c.SubOps != nil {
		vals = append(vals,
			cmdValue{tagRemaining, ushort(uint16(c.SubOps.Remaining))},
			cmdValue{tagCompleted, ushort(uint16(c.SubOps.Completed))},
			cmdValue{tagFailed, ushort(uint16(c.SubOps.Failed))},
			cmdValue{tagWarning, ushort(uint16(c.SubOps.Warning))},
		)
	}
	if c.MoveOriginatorAET != "" {
		vals = append(vals,
			cmdValue{tagMoveOriginator, textValue(c.MoveOriginatorAET, ' ')},
			cmdValue{tagMoveOriginatorID, ushort(c.MoveOriginatorMessageID)},
		)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].tag < vals[j].tag })

	var body []byte
	for _, v := range vals {
		body = appendCmdElement(body, v.tag, v.value)
	}
	out := appendCmdElement(nil, tagGroupLength, binary.LittleEndian.AppendUint32(nil, uint32(len(body))))
	return append(out, body...)
}

func appendCmdElement(out []byte, t cmdTag, value []byte) []byte {
	out = binary.LittleEndian.AppendUint16(out, 0x0000)
	out = binary.LittleEndian.AppendUint16(out, uint16(t))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
	return append(out, value...)
}

// DecodeCommand parses an implicit VR little endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	c := &Command{}
	var (
		pos     int
		subOps  SubOperations
		haveSub bool
		haveFld bool
	)
	for pos < len(data) {
		if pos+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated command header", ErrMalformed)
		}
		group := binary.LittleEndian.Uint16(data[pos:])
		elem := cmdTag(binary.LittleEndian.Uint16(data[pos+2:]))
		length := int(binary.LittleEndian.Uint32(data[pos+4:]))
		pos += 8
		if length < 0 || pos+length > len(data) {
			return nil, fmt.Errorf("%w: truncated command value", ErrMalformed)
		}
		v := data[pos : pos+length]
		pos += length
		if group != 0x0000 {
			return nil, fmt.Errorf("%w: group %04X in command set", ErrMalformed, group)
		}
		us := func() uint16 {
			if len(v) < 2 {
				return 0
			}
			return binary.LittleEndian.Uint16(v)
		}
		str := func() string { return strings.TrimRight(string(v), " \x00") }

		switch elem {
		case tagAffectedSOPClass:
			c.AffectedSOPClassUID = str()
		case tagCommandField:
			c.Field = us()
			haveFld = true
		case tagMessageID:
			c.MessageID = us()
		case tagRespondedTo:
			c.MessageIDBeingRespondedTo = us()
		case tagMoveDestination:
			c.MoveDestination = str()
		case tagPriority:
			c.Priority = us()
		case tagDataSetType:
			c.HasDataset = us() != noDataset
		case tagStatus:
			c.Status = us()
		case tagErrorComment:
			c.ErrorComment = str()
		case tagAffectedInstance:
			c.AffectedSOPInstanceUID = str()
		case tagRemaining:
			subOps.Remaining, haveSub = int(us()), true
		case tagCompleted:
			subOps.Completed, haveSub = int(us()), true
		case tagFailed:
			subOps.Failed, haveSub = int(us()), true
		case tagWarning:
			subOps.Warning, haveSub = int(us()), true
		case tagMoveOriginator:
			c.MoveOriginatorAET = str()
		case tagMoveOriginatorID:
			c.MoveOriginatorMessageID = us()
		}
	}
	if !haveFld {
		return nil, fmt.Errorf("%w: command field missing", ErrMalformed)
	}
	if haveSub {
		c.SubOps = &subOps
	}
	return c, nil
}
