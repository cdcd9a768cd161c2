package bridge

// JavaScript evaluated inside the IM renderer. The page is a Vue app (2 or
// 3) backed by a vuex-style store; the chat SDK instance lives somewhere in
// store state and exposes sendText. All bridge globals use the __WISP_
// prefix so a re-run is idempotent.

// detectScript is the target-discovery predicate: non-empty result means
// the candidate page hosts the chat view.
const detectScript = `() => {
	var el = document.querySelector('#app');
	if (el && el.__vue__ && el.__vue__.$store) return 'vue2';
	if (el && el.__vue_app__) return 'vue3';
	return '';
}`

// hookScript installs the message interception hook. Strategy 1 subscribes
// to store mutations, strategy 2 observes the DOM chat container as a
// fallback, strategy 3 records the send-callable. Returns JSON naming the
// strategies that succeeded.
const hookScript = `(mutationNames) => {
	window.__WISP_MSG_QUEUE__ = window.__WISP_MSG_QUEUE__ || [];
	var methods = [];

	function findSendable(store) {
		if (window.__WISP_SDK__) return;
		try {
			var state = store.state;
			Object.keys(state).forEach(function(k) {
				try {
					var v = state[k];
					if (v && typeof v === 'object' && typeof v.sendText === 'function') {
						window.__WISP_SDK__ = v;
					}
					if (v && typeof v === 'object' && !window.__WISP_SDK__) {
						Object.keys(v).forEach(function(k2) {
							try {
								var v2 = v[k2];
								if (v2 && typeof v2 === 'object' && typeof v2.sendText === 'function') {
									window.__WISP_SDK__ = v2;
								}
							} catch (e) {}
						});
					}
				} catch (e) {}
			});
			if (!window.__WISP_SDK__ && store._modules && store._modules.root) {
				var walk = function(mod) {
					if (!mod || !mod._children) return;
					Object.keys(mod._children).forEach(function(k) {
						var child = mod._children[k];
						if (child && child.state) {
							Object.keys(child.state).forEach(function(sk) {
								try {
									var v = child.state[sk];
									if (v && typeof v === 'object' && typeof v.sendText === 'function') {
										window.__WISP_SDK__ = v;
									}
								} catch (e) {}
							});
						}
						walk(child);
					});
				};
				walk(store._modules.root);
			}
		} catch (e) {}
	}

	function push(msg) { window.__WISP_MSG_QUEUE__.push(msg); }

	function tryStoreSubscribe() {
		var store = null;
		try {
			var el = document.querySelector('#app');
			if (el && el.__vue__ && el.__vue__.$store) {
				store = el.__vue__.$store;
			} else if (el && el.__vue_app__) {
				store = el.__vue_app__.config.globalProperties.$store;
			}
		} catch (e) {}
		if (!store) return false;
		window.__WISP_STORE__ = store;
		findSendable(store);

		var hookTime = Date.now();
		window.__WISP_HOOK_TIME__ = hookTime;
		var seenIds = {};

		store.subscribe(function(mutation) {
			try {
				var type = mutation.type || '';
				var isNewMsg = mutationNames.some(function(n) { return type.indexOf(n) >= 0; });

				// Broader fallback: any *msg* mutation whose payload looks
				// like a message.
				if (!isNewMsg && (type.indexOf('Msg') >= 0 || type.indexOf('msg') >= 0)) {
					var p = mutation.payload;
					if (p && typeof p === 'object' && (p.text || p.from || p.fromNick) && p.time) {
						isNewMsg = true;
					}
				}
				if (!isNewMsg) return;

				var payload = mutation.payload;
				if (!payload) return;
				var msgs = Array.isArray(payload) ? payload : (payload.msg ? [payload.msg] : [payload]);

				msgs.forEach(function(msg) {
					if (!msg || typeof msg !== 'object') return;
					var text = msg.text || '';
					var fileUrl = (msg.file && msg.file.url) || '';
					if ((!text || typeof text !== 'string') && !fileUrl) return;
					if (text && (text.charAt(0) === '{' || text.charAt(0) === '[') && !fileUrl) return;

					var from = msg.from || msg.fromAccount || msg.account || '';
					var sessionId = msg.sessionId || msg.to || '';
					var msgTime = msg.time || 0;
					if (msgTime && msgTime < hookTime - 5000) return;

					var idClient = msg.idClient || msg.id || '';
					if (idClient && seenIds[idClient]) return;
					if (idClient) seenIds[idClient] = true;

					if (!sessionId || (sessionId.indexOf('p2p') < 0 && sessionId.indexOf('team') < 0)) return;

					push({
						source: 'store',
						sessionId: sessionId,
						from: from,
						fromNick: msg.fromNick || msg.nick || '',
						text: text,
						msgType: msg.type || 'text',
						time: msgTime || Date.now(),
						idClient: idClient,
						flow: msg.flow || '',
						fileUrl: fileUrl,
						fileName: (msg.file && msg.file.name) || '',
						fileExt: (msg.file && msg.file.ext) || ''
					});
				});
			} catch (e) {}
		});
		return true;
	}

	function tryDOMObserver() {
		var container = document.querySelector('.session-chat') ||
			document.querySelector('.msg-list') ||
			document.querySelector('.chat-messages') ||
			document.querySelector('[class*="message-list"]') ||
			document.querySelector('[class*="chat-list"]') ||
			document.querySelector('[class*="msg-wrap"]');
		if (!container) {
			var candidates = document.querySelectorAll('[style*="overflow"], [class*="scroll"]');
			for (var i = 0; i < candidates.length; i++) {
				if (candidates[i].scrollHeight > 300 && candidates[i].children.length > 2) {
					container = candidates[i];
					break;
				}
			}
		}
		if (!container) return false;
		window.__WISP_CHAT_CONTAINER__ = container;

		var lastCount = container.children.length;
		var observer = new MutationObserver(function() {
			try {
				if (container.children.length <= lastCount) {
					lastCount = container.children.length;
					return;
				}
				var added = container.children.length - lastCount;
				lastCount = container.children.length;
				for (var i = container.children.length - added; i < container.children.length; i++) {
					var el = container.children[i];
					if (!el) continue;
					var text = (el.innerText || el.textContent || '').trim();
					if (!text || text.length > 2000) continue;
					var parts = text.split('\n').filter(function(s) { return s.trim(); });
					var sender = parts.length > 1 ? parts[0].trim() : '';
					var content = parts.length > 1 ? parts.slice(1).join('\n').trim() : text;
					if (/^\d{1,2}:\d{2}$/.test(content) || /^\d{4}/.test(content)) continue;
					if (content.charAt(0) === '{' || content.charAt(0) === '[') continue;
					push({
						source: 'dom',
						sessionId: 'current',
						from: sender,
						fromNick: sender,
						text: content,
						msgType: 'text',
						time: Date.now(),
						idClient: 'dom_' + Date.now() + '_' + i,
						flow: ''
					});
				}
			} catch (e) {}
		});
		observer.observe(container, { childList: true, subtree: false });
		window.__WISP_DOM_OBSERVER__ = observer;
		return true;
	}

	if (tryStoreSubscribe()) methods.push('store');
	if (tryDOMObserver()) methods.push('dom');
	if (window.__WISP_SDK__) methods.push('sdk');

	window.__WISP_HOOKED_METHODS__ = methods;
	return JSON.stringify({ ok: methods.length > 0, methods: methods });
}`

// pollScript drains the in-page event queue.
const pollScript = `() => {
	var q = window.__WISP_MSG_QUEUE__ || [];
	window.__WISP_MSG_QUEUE__ = [];
	return JSON.stringify(q);
}`

// sendScript drives the send-callable, re-discovering it from the store
// when the cached slot is empty. Resolves {ok, idClient} or {ok:false, error}.
const sendScript = `(sessionId, text) => {
	var sdk = window.__WISP_SDK__;
	if (!sdk) {
		try {
			var el = document.querySelector('#app');
			var store = el && el.__vue__ && el.__vue__.$store;
			if (!store && el && el.__vue_app__) {
				store = el.__vue_app__.config.globalProperties.$store;
			}
			if (store) {
				var state = store.state;
				var keys = Object.keys(state);
				for (var i = 0; i < keys.length && !sdk; i++) {
					var v = state[keys[i]];
					if (v && typeof v === 'object' && typeof v.sendText === 'function') {
						sdk = v;
					} else if (v && typeof v === 'object') {
						var inner = Object.keys(v);
						for (var j = 0; j < inner.length; j++) {
							try {
								var v2 = v[inner[j]];
								if (v2 && typeof v2 === 'object' && typeof v2.sendText === 'function') {
									sdk = v2;
									break;
								}
							} catch (e) {}
						}
					}
				}
				if (!sdk && store._modules && store._modules.root && store._modules.root._children) {
					var mods = store._modules.root._children;
					var modKeys = Object.keys(mods);
					for (var m = 0; m < modKeys.length && !sdk; m++) {
						var mod = mods[modKeys[m]];
						if (mod && mod.state) {
							var sks = Object.keys(mod.state);
							for (var n = 0; n < sks.length; n++) {
								try {
									var mv = mod.state[sks[n]];
									if (mv && typeof mv === 'object' && typeof mv.sendText === 'function') {
										sdk = mv;
										break;
									}
								} catch (e) {}
							}
						}
					}
				}
				if (sdk) window.__WISP_SDK__ = sdk;
			}
		} catch (e) {}
	}
	if (!sdk) return JSON.stringify({ ok: false, error: 'send-callable not found in store' });

	return new Promise(function(resolve) {
		sdk.sendText({
			scene: sessionId.indexOf('team-') === 0 ? 'team' : 'p2p',
			to: sessionId.replace(/^(p2p-|team-)/, ''),
			text: text,
			done: function(err, msg) {
				if (err) {
					resolve(JSON.stringify({ ok: false, error: err.message || String(err) }));
				} else {
					resolve(JSON.stringify({ ok: true, idClient: (msg && msg.idClient) || '' }));
				}
			}
		});
	});
}`

// myIDScript reads the logged-in account id from the SDK slot or store.
const myIDScript = `() => {
	var sdk = window.__WISP_SDK__;
	if (sdk && sdk.account) return sdk.account;
	var el = document.querySelector('#app');
	if (el && el.__vue__ && el.__vue__.$store) {
		var s = el.__vue__.$store.state;
		if (s.myInfo && s.myInfo.account) return s.myInfo.account;
		if (s.userInfo && s.userInfo.account) return s.userInfo.account;
		if (s.loginInfo && s.loginInfo.account) return s.loginInfo.account;
		if (s.nim && s.nim.account) return s.nim.account;
	}
	return '';
}`

// sessionInfoScript snapshots the active session plus the session list.
const sessionInfoScript = `() => {
	try {
		var app = document.querySelector('#app');
		var store = null;
		if (app && app.__vue_app__) {
			store = app.__vue_app__.config.globalProperties.$store;
		} else if (app && app.__vue__ && app.__vue__.$store) {
			store = app.__vue__.$store;
		}
		if (store && store.state) {
			var state = store.state;
			var currSession = state.currSessionId || state.currentSessionId || '';
			var sessions = [];
			var list = state.sessionList || state.sessions || [];
			for (var i = 0; i < Math.min(list.length, 30); i++) {
				var s = list[i];
				sessions.push({
					id: s.id || s.sessionId || '',
					nick: s.name || s.nick || s.title || '',
					lastText: (s.lastMsg && s.lastMsg.text) || (s.lastMsg && s.lastMsg.content) || '',
					unread: s.unread || 0
				});
			}
			return JSON.stringify({ ok: true, currSession: currSession, sessions: sessions });
		}
	} catch (e) {
		return JSON.stringify({ ok: false, error: e.message });
	}
	return JSON.stringify({ ok: false, error: 'store not found' });
}`

// fetchChatScript extracts the full message list of the currently open
// session from the store, for transcript back-filling.
const fetchChatScript = `() => {
	try {
		var app = document.querySelector('#app');
		var store = null;
		if (app && app.__vue_app__) {
			store = app.__vue_app__.config.globalProperties.$store;
		} else if (app && app.__vue__ && app.__vue__.$store) {
			store = app.__vue__.$store;
		}
		if (!store || !store.state) return JSON.stringify({ ok: false, error: 'store not found' });

		var state = store.state;
		var curr = state.currSessionId || state.currentSessionId || '';
		if (!curr) return JSON.stringify({ ok: false, error: 'no open session' });

		var raw = [];
		var containers = [state.currSessionMsgs, state.msgs, state.messages, state.msgList];
		for (var i = 0; i < containers.length && raw.length === 0; i++) {
			var c = containers[i];
			if (Array.isArray(c)) { raw = c; break; }
			if (c && typeof c === 'object' && Array.isArray(c[curr])) { raw = c[curr]; break; }
		}

		var msgs = [];
		for (var j = 0; j < raw.length; j++) {
			var m = raw[j];
			if (!m || typeof m !== 'object') continue;
			msgs.push({
				idClient: m.idClient || m.id || '',
				time: m.time || 0,
				from: m.from || m.fromAccount || '',
				fromNick: m.fromNick || m.nick || '',
				text: m.text || ''
			});
		}
		return JSON.stringify({ ok: true, currSession: curr, msgs: msgs });
	} catch (e) {
		return JSON.stringify({ ok: false, error: e.message });
	}
}`

// fetchInPageScript downloads a URL with the page's own cookies, returning
// base64 so NOS-authenticated attachments survive the 403 the direct path
// gets.
const fetchInPageScript = `async (url) => {
	var resp = await fetch(url, { credentials: 'include' });
	if (!resp.ok) throw new Error('HTTP ' + resp.status);
	var buf = await resp.arrayBuffer();
	var bytes = new Uint8Array(buf);
	var chunks = [];
	for (var i = 0; i < bytes.length; i += 0x8000) {
		chunks.push(String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000)));
	}
	return btoa(chunks.join(''));
}`

// clickDownloadScript simulates a click on a synthetic <a download> anchor,
// letting the browser's own download pipeline handle authentication.
const clickDownloadScript = `(url, name) => {
	var a = document.createElement('a');
	a.href = url;
	a.download = name || '';
	document.body.appendChild(a);
	a.click();
	document.body.removeChild(a);
	return true;
}`
