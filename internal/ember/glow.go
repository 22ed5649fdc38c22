package ember

// Glow application tags.
const (
	glowTagParameter          = 1
	glowTagCommand            = 2
	glowTagNode               = 3
	glowTagElementCollection  = 4
	glowTagQualifiedParameter = 9
	glowTagRoot               = 0
	glowTagRootCollection     = 11
)

// Glow command numbers.
const glowCmdGetDirectory = 32

// Glow parameter access values.
const (
	accessNone = 0
	accessRead = 1
)

// Glow parameter types.
const (
	typeInteger = 1
	typeString  = 3
	typeBoolean = 4
	typeEnum    = 6
)

// ParameterContents field tags.
const (
	contentsIdentifier  = 0
	contentsDescription = 1
	contentsValue       = 2
	contentsAccess      = 5
	contentsEnumeration = 7
	contentsType        = 13
)

// parameter is one leaf of the provider tree.
type parameter struct {
	number      int
	identifier  string
	description string
	paramType   int
	enumeration string
	value       any // int64, string or bool
}

// node is an inner element of the provider tree.
type node struct {
	number      int
	identifier  string
	description string
	nodes       []*node
	params      []*parameter
}

// encodeValue wraps a parameter value in its universal type.
func encodeValue(v any) []byte {
	switch val := v.(type) {
	case int64:
		return encodeInteger(val)
	case string:
		return encodeUTF8String(val)
	case bool:
		return encodeBoolean(val)
	default:
		return encodeUTF8String("")
	}
}

// encodeParameterContents assembles the contents SET for a parameter. All
// provider parameters are read-only.
func encodeParameterContents(p *parameter) []byte {
	children := [][]byte{
		berContainer(berContextTag(contentsIdentifier), encodeUTF8String(p.identifier)),
	}
	if p.description != "" {
		children = append(children,
			berContainer(berContextTag(contentsDescription), encodeUTF8String(p.description)))
	}
	children = append(children,
		berContainer(berContextTag(contentsValue), encodeValue(p.value)),
		berContainer(berContextTag(contentsAccess), encodeInteger(accessRead)),
	)
	if p.enumeration != "" {
		children = append(children,
			berContainer(berContextTag(contentsEnumeration), encodeUTF8String(p.enumeration)))
	}
	children = append(children,
		berContainer(berContextTag(contentsType), encodeInteger(int64(p.paramType))))

	return berContainer(berTagSet, children...)
}

// encodeParameter assembles a Parameter element.
func encodeParameter(p *parameter) []byte {
	return berContainer(berApplicationTag(glowTagParameter),
		berContainer(berContextTag(0), encodeInteger(int64(p.number))),
		berContainer(berContextTag(1), encodeParameterContents(p)),
	)
}

// encodeNode assembles a Node element with its full subtree.
func encodeNode(n *node) []byte {
	contents := berContainer(berTagSet,
		berContainer(berContextTag(0), encodeUTF8String(n.identifier)),
		berContainer(berContextTag(1), encodeUTF8String(n.description)),
	)

	children := make([][]byte, 0, len(n.nodes)+len(n.params))
	for _, child := range n.nodes {
		children = append(children, berContainer(berContextTag(0), encodeNode(child)))
	}
	for _, p := range n.params {
		children = append(children, berContainer(berContextTag(0), encodeParameter(p)))
	}

	elements := [][]byte{
		berContainer(berContextTag(0), encodeInteger(int64(n.number))),
		berContainer(berContextTag(1), contents),
	}
	if len(children) > 0 {
		elements = append(elements, berContainer(berContextTag(2),
			berContainer(berApplicationTag(glowTagElementCollection), children...)))
	}

	return berContainer(berApplicationTag(glowTagNode), elements...)
}

// encodeRoot wraps root elements in Root/RootElementCollection.
func encodeRoot(elements ...[]byte) []byte {
	wrapped := make([][]byte, 0, len(elements))
	for _, el := range elements {
		wrapped = append(wrapped, berContainer(berContextTag(0), el))
	}

	return berContainer(berApplicationTag(glowTagRoot),
		berContainer(berApplicationTag(glowTagRootCollection), wrapped...))
}

// encodeQualifiedParameterValue assembles a QualifiedParameter carrying only
// the value, used for pushing updates to connected consumers.
func encodeQualifiedParameterValue(path []int, value any) []byte {
	contents := berContainer(berTagSet,
		berContainer(berContextTag(contentsValue), encodeValue(value)),
	)

	return berContainer(berApplicationTag(glowTagQualifiedParameter),
		berContainer(berContextTag(0), encodeRelativeOID(path)),
		berContainer(berContextTag(1), contents),
	)
}

// consumerRequest is the distilled content of one inbound Glow message.
type consumerRequest struct {
	getDirectory bool
	writes       []writeAttempt
}

type writeAttempt struct {
	path []int
}

// parseConsumerMessage walks an inbound Glow payload for the two things a
// consumer can send that matter here: getDirectory commands and parameter
// write attempts.
func parseConsumerMessage(payload []byte) (consumerRequest, error) {
	nodes, err := parseBER(payload)
	if err != nil {
		return consumerRequest{}, err
	}

	var req consumerRequest
	walkGlow(nodes, nil, &req)
	return req, nil
}

func walkGlow(nodes []berNode, path []int, req *consumerRequest) {
	for _, n := range nodes {
		switch n.tag {
		case berApplicationTag(glowTagCommand):
			if numNode, ok := n.contextChild(0); ok && len(numNode.children) > 0 {
				if num, err := numNode.children[0].integer(); err == nil && num == glowCmdGetDirectory {
					req.getDirectory = true
				}
			}
		case berApplicationTag(glowTagQualifiedParameter):
			var qpath []int
			if pathNode, ok := n.contextChild(0); ok && len(pathNode.children) > 0 {
				qpath, _ = pathNode.children[0].relativeOID()
			}
			if hasValueWrite(n) {
				req.writes = append(req.writes, writeAttempt{path: qpath})
			}
		case berApplicationTag(glowTagParameter):
			ppath := path
			if numNode, ok := n.contextChild(0); ok && len(numNode.children) > 0 {
				if num, err := numNode.children[0].integer(); err == nil {
					ppath = append(append([]int{}, path...), int(num))
				}
			}
			if hasValueWrite(n) {
				req.writes = append(req.writes, writeAttempt{path: ppath})
			}
		case berApplicationTag(glowTagNode):
			npath := path
			if numNode, ok := n.contextChild(0); ok && len(numNode.children) > 0 {
				if num, err := numNode.children[0].integer(); err == nil {
					npath = append(append([]int{}, path...), int(num))
				}
			}
			walkGlow(n.children, npath, req)
		default:
			if n.constructed() {
				walkGlow(n.children, path, req)
			}
		}
	}
}

// hasValueWrite reports whether a parameter element carries a value in its
// contents SET, which from a consumer means a write attempt.
func hasValueWrite(n berNode) bool {
	contents, ok := n.contextChild(1)
	if !ok {
		return false
	}

	for _, set := range contents.children {
		if set.tag != berTagSet {
			continue
		}
		if _, ok := set.contextChild(contentsValue); ok {
			return true
		}
	}

	return false
}
