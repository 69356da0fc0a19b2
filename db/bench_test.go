package db

import (
	"fmt"
	"testing"
)

func BenchmarkPutIfAbsent(b *testing.B) {
	s, err := OpenStore(b.TempDir(), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	for n := 0; n < b.N; n++ {
		_, err = s.PutIfAbsent(mkbuf(fmt.Sprintf("%d", n)))
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPutIfAbsentSame(b *testing.B) {
	s, err := OpenStore(b.TempDir(), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	val := mkbuf("foo")
	for n := 0; n < b.N; n++ {
		_, err = s.PutIfAbsent(val)
		if err != nil {
			b.Fatal(err)
		}
	}
}
