package term

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Format renders t in the usual external notation, e.g. {ok,[1,2,3]}.
func Format(mem Memory, t Term) string {
	var sb strings.Builder
	format(&sb, mem, t)
	return sb.String()
}

func format(sb *strings.Builder, mem Memory, t Term) {
	switch {
	case t.IsNil():
		sb.WriteString("[]")
	case t.IsNonValue():
		sb.WriteString("THE_NON_VALUE")
	case t.IsSmall():
		sb.WriteString(strconv.FormatInt(t.SmallValue(), 10))
	case t.IsAtom():
		sb.WriteString(quoteAtom(AtomName(t)))
	case t.IsLocalPid():
		fmt.Fprintf(sb, "<0.%d.0>", t.PidID())
	case t.IsList():
		sb.WriteByte('[')
		first := true
		for t.IsList() {
			if !first {
				sb.WriteByte(',')
			}
			first = false
			a := t.Ptr()
			format(sb, mem, mem.Load(a))
			t = mem.Load(a + 1)
		}
		if !t.IsNil() {
			sb.WriteByte('|')
			format(sb, mem, t)
		}
		sb.WriteByte(']')
	case t.IsBoxed():
		formatBoxed(sb, mem, t)
	default:
		fmt.Fprintf(sb, "#Cell<%#x>", uint64(t))
	}
}

func formatBoxed(sb *strings.Builder, mem Memory, t Term) {
	a := t.Ptr()
	h := mem.Load(a)
	switch h.Subtag() {
	case SubTuple:
		sb.WriteByte('{')
		for i := 1; i <= h.Arity(); i++ {
			if i > 1 {
				sb.WriteByte(',')
			}
			format(sb, mem, mem.Load(a+Addr(i)))
		}
		sb.WriteByte('}')
	case SubFloat:
		sb.WriteString(strconv.FormatFloat(FloatValue(mem, t), 'g', -1, 64))
	case SubHeapBin, SubRefcBin:
		b, _ := BinaryBytes(mem, t)
		sb.WriteString("<<")
		if printable(b) {
			sb.WriteString(strconv.Quote(string(b)))
		} else {
			for i, c := range b {
				if i > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(strconv.Itoa(int(c)))
			}
		}
		sb.WriteString(">>")
	case SubFun:
		if th := Lookup(ThingHandle(mem, a)); th != nil {
			fmt.Fprintf(sb, "#Fun<%s.%s.%d>", th.Module, th.Function, th.Arity)
		} else {
			sb.WriteString("#Fun<released>")
		}
	case SubExternalPid:
		if th := Lookup(ThingHandle(mem, a)); th != nil {
			fmt.Fprintf(sb, "<%s.%d.%d>", th.Node, th.ID, th.Serial)
		}
	case SubExternalRef:
		if th := Lookup(ThingHandle(mem, a)); th != nil {
			fmt.Fprintf(sb, "#Ref<%s.%d>", th.Node, th.ID)
		}
	}
}

func printable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func quoteAtom(name string) string {
	if name == "" {
		return "''"
	}
	for i, r := range name {
		if i == 0 && !unicode.IsLower(r) {
			return "'" + name + "'"
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '@' {
			return "'" + name + "'"
		}
	}
	return name
}
