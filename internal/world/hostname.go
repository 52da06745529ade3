package world

import (
	"strconv"
	"strings"
)

const (
	maxLabelLen  = 63
	fallbackSlug = "world"
)

// Slugify превращает имя в метку DNS: строчные [a-z0-9-], остальные символы
// заменяются на '-', повторы схлопываются, края обрезаются, не длиннее 63.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxLabelLen {
		s = strings.TrimRight(s[:maxLabelLen], "-")
	}
	if s == "" {
		return fallbackSlug
	}
	return s
}

// ReservedSlug сообщает, что метка занята служебной записью прокси
// (список try в velocity.toml) и миру не выдаётся.
func ReservedSlug(s string) bool { return s == "try" }

// UniqueSlug возвращает base, либо base-2, base-3, ... - первый не занятый
// и не зарезервированный вариант. Длина метки при этом не превышает 63.
func UniqueSlug(base string, taken func(string) bool) string {
	base = Slugify(base)
	if !taken(base) && !ReservedSlug(base) {
		return base
	}
	for n := 2; ; n++ {
		suffix := "-" + strconv.Itoa(n)
		stem := base
		if len(stem)+len(suffix) > maxLabelLen {
			stem = strings.TrimRight(stem[:maxLabelLen-len(suffix)], "-")
		}
		candidate := stem + suffix
		if !taken(candidate) {
			return candidate
		}
	}
}
