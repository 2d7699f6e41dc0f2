package utils

import (
	"encoding/binary"
	"math/rand"
)

func Uint64ToBytes(i uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	return buf[:]
}

func BytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func Uint32ToBytes(i uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], i)
	return buf[:]
}

func BytesToUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// RandString returns random string with length n
func RandString(n int) string {
	var letter = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.!?/\\-_=+<>")
	b := make([]rune, n)
	for i := range b {
		b[i] = letter[rand.Intn(len(letter))]
	}
	return string(b)
}
