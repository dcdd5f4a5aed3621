package search

// matchReference implements §4.2's reference semantics: Kind/id, absolute
// URL, or bare id; :Kind restricts the target kind; :identifier matches
// against the reference's identifier slot instead of Kind/id.
func matchReference(values []interface{}, tokens []ValueToken, modifier Modifier, refKindMod string) bool {
	for _, v := range values {
		ref, ok := referenceFrom(v)
		if !ok {
			continue
		}
		if refKindMod != "" && ref.kind != "" && ref.kind != refKindMod {
			continue
		}
		for _, tok := range tokens {
			if modifier == ModIdentifier {
				if ref.identSystem == tok.System && ref.identValue == tok.Code {
					return true
				}
				continue
			}
			if referenceMatchesToken(ref, tok) {
				return true
			}
		}
	}
	return false
}

type referenceValue struct {
	kind, id, url          string
	identSystem, identValue string
}

func referenceFrom(v interface{}) (referenceValue, bool) {
	t, ok := asTree(v)
	if !ok {
		return referenceValue{}, false
	}
	if refStr, ok := t.GetString("reference"); ok && refStr != "" {
		rv := parseReferenceString(refStr)
		if idTree, ok := t.Get("identifier"); ok {
			if it, ok := asTree(idTree); ok {
				rv.identSystem, _ = it.GetString("system")
				rv.identValue, _ = it.GetString("value")
			}
		}
		return rv, true
	}
	if idTree, ok := t.Get("identifier"); ok {
		if it, ok := asTree(idTree); ok {
			sys, _ := it.GetString("system")
			val, _ := it.GetString("value")
			return referenceValue{identSystem: sys, identValue: val}, true
		}
	}
	return referenceValue{}, false
}

func parseReferenceString(s string) referenceValue {
	if containsScheme(s) {
		return referenceValue{url: s}
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return referenceValue{kind: s[:i], id: s[i+1:]}
		}
	}
	return referenceValue{id: s}
}

func containsScheme(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return true
		}
	}
	return false
}

func referenceMatchesToken(ref referenceValue, tok ValueToken) bool {
	if tok.RefURL != "" {
		return ref.url == tok.RefURL
	}
	if tok.RefKind != "" {
		return ref.kind == tok.RefKind && ref.id == tok.RefID
	}
	return ref.id == tok.RefID
}
