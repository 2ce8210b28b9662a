package database

// IS NULL OR helpers — convert empty Go values to nil so PostgreSQL
// sees NULL and the ($1::type IS NULL OR ...) pattern skips the filter.

func pqInt64Array(s []int64) any {
	if len(s) == 0 {
		return nil
	}
	return s
}

func pqString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func pqInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
