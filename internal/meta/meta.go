package meta

import (
	"reflect"
	"strings"
	"sync"
)

// StructMeta records which struct fields receive a document's _id and _rev.
// An index of -1 means the struct has no such field.
type StructMeta struct {
	IDIndex  int
	RevIndex int
	// IDKey and RevKey are the keys the fields encode under without the
	// document codec, so they can be swapped for _id and _rev.
	IDKey  string
	RevKey string
}

var cache sync.Map

func Analyze[T any]() *StructMeta {
	return AnalyzeType(reflect.TypeOf((*T)(nil)).Elem())
}

func AnalyzeType(t reflect.Type) *StructMeta {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return &StructMeta{IDIndex: -1, RevIndex: -1}
	}
	if cached, ok := cache.Load(t); ok {
		return cached.(*StructMeta)
	}
	m := analyze(t)
	actual, _ := cache.LoadOrStore(t, m)
	return actual.(*StructMeta)
}

func analyze(t reflect.Type) *StructMeta {
	m := &StructMeta{IDIndex: -1, RevIndex: -1}
	applyTags(t, m)
	applyConventionDefaults(t, m)
	if m.IDIndex != -1 {
		m.IDKey = jsonKeyForField(t.Field(m.IDIndex))
	}
	if m.RevIndex != -1 {
		m.RevKey = jsonKeyForField(t.Field(m.RevIndex))
	}
	return m
}

func applyTags(t reflect.Type, m *StructMeta) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Type.Kind() != reflect.String {
			continue
		}
		switch f.Tag.Get("couchfeed") {
		case "id":
			m.IDIndex = i
		case "rev":
			m.RevIndex = i
		}
	}
}

func applyConventionDefaults(t reflect.Type, m *StructMeta) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Type.Kind() != reflect.String {
			continue
		}
		switch {
		case m.IDIndex == -1 && f.Name == "ID":
			m.IDIndex = i
		case m.RevIndex == -1 && f.Name == "Rev":
			m.RevIndex = i
		}
	}
}

func jsonKeyForField(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

func analyzeValue(doc any) (reflect.Value, *StructMeta, bool) {
	v := reflect.ValueOf(doc)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return v, nil, false
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return v, nil, false
	}
	return v, AnalyzeType(v.Type()), true
}

// ExtractID returns the value of the ID field, or "" when there is none.
func ExtractID(doc any) string {
	v := reflect.Indirect(reflect.ValueOf(doc))
	if v.Kind() != reflect.Struct {
		return ""
	}
	m := AnalyzeType(v.Type())
	if m.IDIndex == -1 {
		return ""
	}
	return v.Field(m.IDIndex).String()
}

// ExtractRev returns the value of the Rev field, or "" when there is none.
func ExtractRev(doc any) string {
	v := reflect.Indirect(reflect.ValueOf(doc))
	if v.Kind() != reflect.Struct {
		return ""
	}
	m := AnalyzeType(v.Type())
	if m.RevIndex == -1 {
		return ""
	}
	return v.Field(m.RevIndex).String()
}

func SetID(doc any, id string) {
	v, m, ok := analyzeValue(doc)
	if !ok || m.IDIndex == -1 {
		return
	}
	v.Field(m.IDIndex).SetString(id)
}

func SetRev(doc any, rev string) {
	v, m, ok := analyzeValue(doc)
	if !ok || m.RevIndex == -1 {
		return
	}
	v.Field(m.RevIndex).SetString(rev)
}
