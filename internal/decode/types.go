package decode

import (
	"fmt"
	"strings"

	"github.com/danmuck/emtrace/internal/protocol"
)

// Kind selects how an argument's bytes are interpreted.
type Kind int

const (
	KindSigned Kind = iota + 1
	KindUnsigned
	KindSignedChar
	KindChar
	KindBool
	KindFloat
	KindString
	KindBytes
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindSigned:
		return "signed"
	case KindUnsigned:
		return "unsigned"
	case KindSignedChar:
		return "signed-char"
	case KindChar:
		return "char"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindPointer:
		return "pointer"
	default:
		return "unknown"
	}
}

var typeKinds = map[string]Kind{
	"signed char": KindSignedChar,
	"int8_t":      KindSignedChar,

	"char":          KindChar,
	"unsigned char": KindChar,
	"uint8_t":       KindChar,

	"short":                KindSigned,
	"short int":            KindSigned,
	"signed short":         KindSigned,
	"signed short int":     KindSigned,
	"int":                  KindSigned,
	"signed":               KindSigned,
	"signed int":           KindSigned,
	"long":                 KindSigned,
	"long int":             KindSigned,
	"signed long":          KindSigned,
	"signed long int":      KindSigned,
	"long long":            KindSigned,
	"long long int":        KindSigned,
	"signed long long":     KindSigned,
	"signed long long int": KindSigned,
	"int16_t":              KindSigned,
	"int32_t":              KindSigned,
	"int64_t":              KindSigned,
	"intmax_t":             KindSigned,
	"intptr_t":             KindSigned,
	"ssize_t":              KindSigned,
	"ptrdiff_t":            KindSigned,

	"unsigned short":         KindUnsigned,
	"unsigned short int":     KindUnsigned,
	"unsigned":               KindUnsigned,
	"unsigned int":           KindUnsigned,
	"unsigned long":          KindUnsigned,
	"unsigned long int":      KindUnsigned,
	"unsigned long long":     KindUnsigned,
	"unsigned long long int": KindUnsigned,
	"uint16_t":               KindUnsigned,
	"uint32_t":               KindUnsigned,
	"uint64_t":               KindUnsigned,
	"uintmax_t":              KindUnsigned,
	"uintptr_t":              KindUnsigned,
	"size_t":                 KindUnsigned,

	"bool":  KindBool,
	"_Bool": KindBool,

	"float":       KindFloat,
	"double":      KindFloat,
	"long double": KindFloat,
	"_Float16":    KindFloat,

	"string": KindString,
	"bytes":  KindBytes,
}

// KindOf maps a wire type name to a decode rule. Qualifiers are ignored
// and any pointer type decodes as a pointer.
func KindOf(typeName string) (Kind, error) {
	name := normalizeTypeName(typeName)
	if strings.HasSuffix(name, "*") {
		return KindPointer, nil
	}
	if k, ok := typeKinds[name]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %q", protocol.ErrUnknownTypeName, typeName)
}

func normalizeTypeName(name string) string {
	fields := strings.Fields(strings.ReplaceAll(name, "*", " * "))
	kept := fields[:0]
	for _, f := range fields {
		if f == "const" || f == "volatile" {
			continue
		}
		kept = append(kept, f)
	}
	return strings.ReplaceAll(strings.Join(kept, " "), " *", "*")
}
