package search

import (
	"strconv"
	"strings"
)

var prefixes = map[string]Comparator{
	"eq": CmpEq, "ne": CmpNe, "gt": CmpGt, "ge": CmpGe,
	"lt": CmpLt, "le": CmpLe, "sa": CmpSa, "eb": CmpEb, "ap": CmpAp,
}

// splitPrefix extracts a two-letter comparator prefix from a raw value,
// e.g. "gt2023-01-01" -> (gt, "2023-01-01"); "100" -> (eq, "100").
func splitPrefix(raw string) (Comparator, string) {
	if len(raw) >= 2 {
		if c, ok := prefixes[strings.ToLower(raw[:2])]; ok {
			rest := raw[2:]
			// Don't treat e.g. "gta" or a bare resource id as prefixed;
			// require the remainder to look numeric/date-like.
			if rest != "" && (rest[0] == '-' || (rest[0] >= '0' && rest[0] <= '9')) {
				return c, rest
			}
		}
	}
	return CmpEq, raw
}

// ParseParamModifier splits "name:modifier" into ("name", "modifier").
func ParseParamModifier(name string) (string, string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// ParseValueToken parses one comma-separated value into a ValueToken
// appropriate for typ.
func ParseValueToken(typ ParamType, raw string) ValueToken {
	switch typ {
	case TypeToken:
		vt := ValueToken{Raw: raw}
		if strings.Contains(raw, "|") {
			parts := strings.SplitN(raw, "|", 2)
			vt.System, vt.Code = parts[0], parts[1]
			vt.HasSystem = true
			vt.HasCode = parts[1] != ""
		} else {
			vt.Code = raw
			vt.HasCode = true
		}
		return vt
	case TypeQuantity:
		cmp, rest := splitPrefix(raw)
		parts := strings.SplitN(rest, "|", 3)
		vt := ValueToken{Comparator: cmp, Raw: raw, Number: parts[0]}
		if len(parts) >= 2 {
			vt.System = parts[1]
		}
		if len(parts) >= 3 {
			vt.Unit = parts[2]
		}
		return vt
	case TypeDate:
		cmp, rest := splitPrefix(raw)
		return ValueToken{Comparator: cmp, Raw: rest}
	case TypeNumber:
		cmp, rest := splitPrefix(raw)
		return ValueToken{Comparator: cmp, Raw: rest}
	case TypeReference:
		vt := ValueToken{Raw: raw}
		if strings.Contains(raw, "://") {
			vt.RefURL = raw
		} else if i := strings.LastIndex(raw, "/"); i >= 0 {
			vt.RefKind = raw[:i]
			vt.RefID = raw[i+1:]
		} else {
			vt.RefID = raw
		}
		return vt
	default: // string, special, composite-component
		return ValueToken{Raw: raw}
	}
}

// ParseParameter compiles one raw "name[:modifier]=value" query entry into
// a Parameter, given the kind's parameter schema. Unresolvable names come
// back with Ignored=true per §3's invariant that ignored parameters are
// excluded from matching and from the self-link.
func ParseParameter(defs ParamDefinitions, rawName, rawValue string) Parameter {
	if strings.HasPrefix(rawName, "_has:") {
		return parseHas(defs, rawName, rawValue)
	}

	baseName, modRaw := ParseParamModifier(rawName)

	if dotIdx := strings.Index(baseName, "."); dotIdx >= 0 {
		return parseChain(defs, baseName, modRaw, rawValue)
	}

	def, ok := defs[baseName]
	if !ok {
		def, ok = specialDefs[baseName]
	}
	if !ok {
		return Parameter{Name: rawName, Ignored: true}
	}

	p := Parameter{Name: baseName, Def: def}
	p.Modifier, p.RefKindMod = classifyModifier(def.Type, modRaw)

	for _, v := range splitOrValues(rawValue) {
		p.Values = append(p.Values, ParseValueToken(def.Type, v))
	}
	return p
}

// splitOrValues splits on unescaped commas (OR semantics, §4.2).
func splitOrValues(raw string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) && raw[i+1] == ',' {
			cur.WriteByte(',')
			i++
			continue
		}
		if raw[i] == ',' {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(raw[i])
	}
	out = append(out, cur.String())
	return out
}

func classifyModifier(typ ParamType, modRaw string) (Modifier, string) {
	if modRaw == "" {
		return ModNone, ""
	}
	switch Modifier(modRaw) {
	case ModExact, ModContains, ModMissing, ModNot, ModAbove, ModBelow,
		ModIn, ModNotIn, ModIdentifier, ModText, ModOfType:
		return Modifier(modRaw), ""
	}
	if typ == TypeReference {
		// A bare :ResourceType modifier restricts the target kind.
		return ModTypeRef, modRaw
	}
	return ModNone, ""
}

var specialDefs = ParamDefinitions{
	"_id":          {Name: "_id", Type: TypeString, Paths: [][]string{{"id"}}},
	"_lastUpdated": {Name: "_lastUpdated", Type: TypeDate, Paths: [][]string{{"meta", "lastUpdated"}}},
	"_profile":     {Name: "_profile", Type: TypeString, Paths: [][]string{{"meta", "profile"}}},
	"_tag":         {Name: "_tag", Type: TypeToken, Paths: [][]string{{"meta", "tag"}}},
	"_security":    {Name: "_security", Type: TypeToken, Paths: [][]string{{"meta", "security"}}},
}

func parseChain(defs ParamDefinitions, baseWithMod, modRaw, rawValue string) Parameter {
	dotIdx := strings.Index(baseWithMod, ".")
	sourceParam := baseWithMod[:dotIdx]
	rest := baseWithMod[dotIdx+1:]

	def, ok := defs[sourceParam]
	if !ok || def.Type != TypeReference {
		return Parameter{Name: baseWithMod, Ignored: true}
	}

	targetKind := modRaw
	if targetKind == "" && len(def.TargetKinds) == 1 {
		targetKind = def.TargetKinds[0]
	}

	return Parameter{
		Name: baseWithMod,
		Def:  def,
		Chain: &ChainSpec{
			SourceParam: sourceParam,
			TargetKind:  targetKind,
			Rest:        rest,
			Value:       rawValue,
		},
	}
}

func parseHas(defs ParamDefinitions, rawName, rawValue string) Parameter {
	// "_has:Observation:patient:_id" possibly followed by nested "_has:...".
	rest := strings.TrimPrefix(rawName, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 3 {
		return Parameter{Name: rawName, Ignored: true}
	}
	return Parameter{
		Name: rawName,
		Has: &HasSpec{
			ReverseKind:  parts[0],
			ReverseParam: parts[1],
			Rest:         parts[2],
		},
		Values: []ValueToken{{Raw: rawValue}},
	}
}

// ParseResultParameters extracts _include/_revinclude/_sort/_count from a
// raw query (already split into repeated key/value pairs by the caller).
func ParseResultParameters(pairs [][2]string, defaultCount, maxCount int) ResultParameters {
	rp := ResultParameters{Count: defaultCount, MaxCount: maxCount}
	for _, kv := range pairs {
		key, val := kv[0], kv[1]
		switch {
		case key == "_include" || key == "_include:iterate":
			rp.Include = append(rp.Include, parseInclude(val, key == "_include:iterate"))
		case key == "_revinclude" || key == "_revinclude:iterate":
			rp.RevInclude = append(rp.RevInclude, parseRevInclude(val, key == "_revinclude:iterate"))
		case key == "_sort":
			for _, s := range strings.Split(val, ",") {
				s = strings.TrimSpace(s)
				if s == "" {
					continue
				}
				if strings.HasPrefix(s, "-") {
					rp.Sort = append(rp.Sort, SortRequest{Param: s[1:], Direction: SortDesc})
				} else {
					rp.Sort = append(rp.Sort, SortRequest{Param: s, Direction: SortAsc})
				}
			}
		case key == "_count":
			if n, err := strconv.Atoi(val); err == nil && n >= 0 {
				if maxCount > 0 && n > maxCount {
					n = maxCount
				}
				rp.Count = n
			}
		}
	}
	return rp
}

func parseInclude(val string, iterate bool) IncludeSpec {
	// "SourceKind:param[:TargetKind]"
	parts := strings.Split(val, ":")
	spec := IncludeSpec{Iterate: iterate}
	if len(parts) > 0 {
		spec.SourceKind = parts[0]
	}
	if len(parts) > 1 {
		spec.Param = parts[1]
	}
	if len(parts) > 2 {
		spec.TargetKind = parts[2]
	}
	return spec
}

func parseRevInclude(val string, iterate bool) RevIncludeSpec {
	parts := strings.Split(val, ":")
	spec := RevIncludeSpec{Iterate: iterate}
	if len(parts) > 0 {
		spec.SourceKind = parts[0]
	}
	if len(parts) > 1 {
		spec.Param = parts[1]
	}
	if len(parts) > 2 {
		spec.TargetKind = parts[2]
	}
	return spec
}
