package terminal

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/go-delve/dlock/pkg/config"
)

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(conf *config.Config) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get("yaml")
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

// ListConfig writes every configuration option of conf and its value to w.
func ListConfig(w io.Writer, conf *config.Config) error {
	tw := new(tabwriter.Writer)
	tw.Init(w, 0, 8, 1, ' ', 0)

	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}

		switch field.Kind() {
		case reflect.Ptr:
			if !field.IsNil() {
				fmt.Fprintf(tw, "%s\t%v\n", fieldName, field.Elem())
			} else {
				fmt.Fprintf(tw, "%s\t<not defined>\n", fieldName)
			}
		case reflect.Map:
			if field.Len() == 0 {
				fmt.Fprintf(tw, "%s\t<not defined>\n", fieldName)
				continue
			}
			keys := field.MapKeys()
			sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%v: %v\n", fieldName, k, field.MapIndex(k))
			}
		default:
			if field.IsZero() {
				fmt.Fprintf(tw, "%s\t<not defined>\n", fieldName)
			} else {
				fmt.Fprintf(tw, "%s\t%v\n", fieldName, field)
			}
		}
	}
	return tw.Flush()
}
