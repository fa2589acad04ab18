package protocol

import "github.com/fansqz/go-jdi/constants"

// ObjectReferenceType ObjectReference.ReferenceType
type ObjectReferenceType struct {
	Object ObjectID
}

func (ObjectReferenceType) Code() (constants.CommandSet, uint8) {
	return constants.ObjectRefSet, constants.ORReferenceType
}
func (o ObjectReferenceType) Encode(w *Writer) { w.ObjectID(o.Object) }

type ObjectReferenceTypeReply struct {
	TypeTag constants.TypeTag
	TypeID  ReferenceTypeID
}

func (o *ObjectReferenceTypeReply) Decode(r *Reader) {
	o.TypeTag = r.TypeTag()
	o.TypeID = r.ReferenceTypeID()
}

// DisableCollection ObjectReference.DisableCollection
type DisableCollection struct {
	Object ObjectID
}

func (DisableCollection) Code() (constants.CommandSet, uint8) {
	return constants.ObjectRefSet, constants.ORDisableCollection
}
func (d DisableCollection) Encode(w *Writer) { w.ObjectID(d.Object) }

// EnableCollection ObjectReference.EnableCollection
type EnableCollection struct {
	Object ObjectID
}

func (EnableCollection) Code() (constants.CommandSet, uint8) {
	return constants.ObjectRefSet, constants.OREnableCollection
}
func (c EnableCollection) Encode(w *Writer) { w.ObjectID(c.Object) }

// IsCollected ObjectReference.IsCollected，回复为BoolReply
type IsCollected struct {
	Object ObjectID
}

func (IsCollected) Code() (constants.CommandSet, uint8) {
	return constants.ObjectRefSet, constants.ORIsCollected
}
func (c IsCollected) Encode(w *Writer) { w.ObjectID(c.Object) }

// StringValue StringReference.Value，回复为StringReply
type StringValue struct {
	Object ObjectID
}

func (StringValue) Code() (constants.CommandSet, uint8) {
	return constants.StringRefSet, constants.SRValue
}
func (s StringValue) Encode(w *Writer) { w.ObjectID(s.Object) }
